package service

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"speech_room/internal/models"
	"speech_room/internal/repository"
)

const summaryConcurrency = 4

var (
	positiveKeywords = []string{
		"good", "great", "excellent", "clear", "confident", "engaging",
		"well", "strong", "impressive", "nice", "perfect",
	}
	improvementKeywords = []string{
		"improve", "better", "more", "less", "try", "consider",
		"maybe", "could", "should", "work on",
	}
)

const (
	themeEyeContact   = "Eye Contact"
	themeVoice        = "Voice & Delivery"
	themeBodyLanguage = "Body Language"
	themePace         = "Speaking Pace"
	themeContent      = "Content Quality"
	themeConfidence   = "Confidence"
)

var themeKeywords = []struct {
	theme    string
	keywords []string
}{
	{themeEyeContact, []string{"eye contact", "looking"}},
	{themeVoice, []string{"voice", "speaking", "volume"}},
	{themeBodyLanguage, []string{"gesture", "body", "hand"}},
	{themePace, []string{"pace", "speed", "fast", "slow"}},
	{themeContent, []string{"content", "topic", "story"}},
	{themeConfidence, []string{"confident", "nervous"}},
}

// Summarizer 是外部文字生成服務
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

type feedbackAnalysis struct {
	strengths    []string
	improvements []string
	themes       []string
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}

func analyzeFeedback(feedbacks []models.Feedback) feedbackAnalysis {
	a := feedbackAnalysis{
		strengths:    []string{},
		improvements: []string{},
		themes:       []string{},
	}
	for _, f := range feedbacks {
		message := strings.ToLower(f.Message)
		if f.Type == models.FeedbackPositive || containsAny(message, positiveKeywords) {
			a.strengths = appendUnique(a.strengths, f.Message)
		}
		if f.Type == models.FeedbackConstructive || containsAny(message, improvementKeywords) {
			a.improvements = appendUnique(a.improvements, f.Message)
		}
		for _, t := range themeKeywords {
			if containsAny(message, t.keywords) {
				a.themes = appendUnique(a.themes, t.theme)
			}
		}
	}
	return a
}

func gestureScore(count int) float64 {
	return math.Min(100, float64(count)*10)
}

// overallScore 指標平均佔 70%，同儕回饋中正面比例佔 30%（沒有回饋時以 50 分計）
func overallScore(a models.SpeechAnalysis, feedbacks []models.Feedback) int {
	metricsAvg := (a.EyeContactPercentage + gestureScore(a.GestureCount) + a.ConfidenceScore +
		a.SpeakingPace + a.VolumeConsistency) / 5

	feedbackScore := 50.0
	if len(feedbacks) > 0 {
		positive := 0
		for _, f := range feedbacks {
			if f.Type == models.FeedbackPositive {
				positive++
			}
		}
		feedbackScore = float64(positive) / float64(len(feedbacks)) * 100
	}
	return int(math.Round(metricsAvg*0.7 + feedbackScore*0.3))
}

func insightsFor(a models.SpeechAnalysis, hasAnalysis bool, fa feedbackAnalysis) []string {
	insights := []string{}
	if hasAnalysis {
		switch {
		case a.EyeContactPercentage < 30:
			insights = append(insights, "Your eye contact could be improved. Try looking directly at the camera more often.")
		case a.EyeContactPercentage > 70:
			insights = append(insights, "Excellent eye contact! You maintained good visual connection throughout your speech.")
		}
		switch {
		case a.GestureCount < 3:
			insights = append(insights, "Consider using more hand gestures to emphasize your points and engage your audience.")
		case a.GestureCount > 15:
			insights = append(insights, "You used gestures effectively, but be mindful not to overdo it.")
		}
		if a.ConfidenceScore < 50 {
			insights = append(insights, "Work on projecting more confidence through your posture and facial expressions.")
		}
	}

	if slices.Contains(fa.themes, themeVoice) {
		insights = append(insights, "Several peers commented on your voice delivery, so it is a key area of focus.")
	}
	if len(fa.strengths) > len(fa.improvements) {
		insights = append(insights, "Great job! You received more positive feedback than constructive criticism.")
	}
	if slices.Contains(fa.themes, themeEyeContact) {
		insights = append(insights, "Eye contact was mentioned in feedback, which matches the engagement analysis.")
	}
	return insights
}

func recommendationsFor(a models.SpeechAnalysis, hasAnalysis bool, fa feedbackAnalysis) []string {
	recs := []string{}
	if hasAnalysis {
		if a.EyeContactPercentage < 50 {
			recs = append(recs, "Practice maintaining eye contact by looking directly at your camera lens")
		}
		if a.ConfidenceScore < 60 {
			recs = append(recs, "Work on your posture and facial expressions to project more confidence")
		}
		switch {
		case a.SpeakingPace < 40:
			recs = append(recs, "Try to speak a bit faster to maintain audience engagement")
		case a.SpeakingPace > 80:
			recs = append(recs, "Slow down your speaking pace to ensure clarity")
		}
		if a.GestureCount < 5 {
			recs = append(recs, "Use more hand gestures to emphasize key points")
		}
	}

	if len(fa.improvements) > 0 {
		recs = append(recs, "Focus on the constructive feedback you received from peers")
	}
	if slices.Contains(fa.themes, themeBodyLanguage) {
		recs = append(recs, "Practice your body language and gestures in front of a mirror")
	}
	if slices.Contains(fa.themes, themeVoice) {
		recs = append(recs, "Work on voice modulation and speaking clarity")
	}
	return recs
}

// BuildReport 根據參與者的指標與收到的回饋產生報告
func BuildReport(roomCode string, p models.Participant, now time.Time) models.SessionReport {
	a := p.Analysis
	hasAnalysis := a != (models.SpeechAnalysis{})
	fa := analyzeFeedback(p.FeedbackReceived)

	peer := models.PeerFeedback{
		PositiveComments:     []models.PeerComment{},
		ConstructiveComments: []models.PeerComment{},
		QuestionsAsked:       []models.PeerComment{},
	}
	for _, f := range p.FeedbackReceived {
		c := models.PeerComment{From: f.FromName, Comment: f.Message, Timestamp: f.Timestamp}
		switch f.Type {
		case models.FeedbackPositive:
			peer.PositiveComments = append(peer.PositiveComments, c)
		case models.FeedbackConstructive:
			peer.ConstructiveComments = append(peer.ConstructiveComments, c)
		case models.FeedbackQuestion:
			peer.QuestionsAsked = append(peer.QuestionsAsked, c)
		}
	}

	return models.SessionReport{
		ParticipantID:   p.ID,
		ParticipantName: p.Name,
		RoomCode:        roomCode,
		SessionDate:     now,
		SpeakingTime:    p.SpeakingTimeUsed,

		EyeContactScore: int(math.Round(a.EyeContactPercentage)),
		GestureScore:    int(math.Round(gestureScore(a.GestureCount))),
		ConfidenceScore: int(math.Round(a.ConfidenceScore)),
		PaceScore:       int(math.Round(a.SpeakingPace)),
		VolumeScore:     int(math.Round(a.VolumeConsistency)),
		OverallScore:    overallScore(a, p.FeedbackReceived),

		TotalFeedbacks:       len(p.FeedbackReceived),
		PositiveFeedbacks:    len(peer.PositiveComments),
		ConstructiveFeedback: len(peer.ConstructiveComments),
		QuestionsReceived:    len(peer.QuestionsAsked),

		FeedbackSummary: models.FeedbackSummary{
			Strengths:        fa.strengths,
			ImprovementAreas: fa.improvements,
			CommonThemes:     fa.themes,
		},
		PeerFeedback:    peer,
		Insights:        insightsFor(a, hasAnalysis, fa),
		Recommendations: recommendationsFor(a, hasAnalysis, fa),
		GeneratedAt:     now,
	}
}

func summaryPrompt(topic string, r models.SessionReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a short, encouraging coaching summary for %s after a group speaking practice", r.ParticipantName)
	if topic != "" {
		fmt.Fprintf(&b, " on the topic category %q", topic)
	}
	fmt.Fprintf(&b, ".\nScores (0-100): eye contact %d, gestures %d, confidence %d, pace %d, volume %d, overall %d.\n",
		r.EyeContactScore, r.GestureScore, r.ConfidenceScore, r.PaceScore, r.VolumeScore, r.OverallScore)
	fmt.Fprintf(&b, "Speaking time: %.0f seconds. Feedback received: %d positive, %d constructive, %d questions.\n",
		r.SpeakingTime, r.PositiveFeedbacks, r.ConstructiveFeedback, r.QuestionsReceived)
	if len(r.FeedbackSummary.CommonThemes) > 0 {
		fmt.Fprintf(&b, "Themes mentioned by peers: %s.\n", strings.Join(r.FeedbackSummary.CommonThemes, ", "))
	}
	for _, c := range r.PeerFeedback.ConstructiveComments {
		fmt.Fprintf(&b, "- %s\n", c.Comment)
	}
	return b.String()
}

type ReportService struct {
	reportRepo repository.ReportRepository
	summarizer Summarizer
	now        func() time.Time
	logger     zerolog.Logger
}

// NewReportService summarizer 可以為 nil，此時報告不含摘要
func NewReportService(reportRepo repository.ReportRepository, summarizer Summarizer, logger *zerolog.Logger) *ReportService {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &ReportService{
		reportRepo: reportRepo,
		summarizer: summarizer,
		now:        time.Now,
		logger:     l.With().Str("component", "reports").Logger(),
	}
}

// GenerateReports 為結束時仍在房間內的每位參與者產生並儲存報告。
// 摘要並行請求，失敗時該份報告不含摘要。
func (s *ReportService) GenerateReports(ctx context.Context, snap models.RoomSnapshot) ([]models.SessionReport, error) {
	now := s.now().UTC()
	reports := make([]models.SessionReport, len(snap.Participants))
	for i, p := range snap.Participants {
		reports[i] = BuildReport(snap.ID, p, now)
	}

	if s.summarizer != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(summaryConcurrency)
		for i := range reports {
			g.Go(func() error {
				r := &reports[i]
				text, err := s.summarizer.Summarize(gctx, summaryPrompt(snap.TopicCategory, *r))
				if err != nil {
					s.logger.Warn().Err(err).Str("room", snap.ID).Str("participant", r.ParticipantID).Msg("summary generation failed")
					return nil
				}
				r.Summary = strings.TrimSpace(text)
				return nil
			})
		}
		g.Wait()
	}

	if err := s.reportRepo.SaveAll(reports); err != nil {
		return nil, fmt.Errorf("save reports: %w", err)
	}
	s.logger.Info().Str("room", snap.ID).Int("reports", len(reports)).Msg("session reports generated")
	return reports, nil
}

func (s *ReportService) GetReport(roomCode, participantID string) (*models.SessionReport, error) {
	return s.reportRepo.FindByParticipant(roomCode, participantID)
}

func (s *ReportService) ListReports(roomCode string) ([]models.SessionReport, error) {
	return s.reportRepo.FindByRoom(roomCode)
}
