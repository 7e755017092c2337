// participant 是不需要瀏覽器的練習參與者：加入房間、與其他人建立點對點連線、
// 用合成的影音與模擬的指標走完每一輪發言。
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"speech_room/internal/client"
	"speech_room/internal/metrics"
	"speech_room/internal/models"
	"speech_room/internal/peer"
)

type options struct {
	server          string
	room            string
	name            string
	token           string
	simulate        bool
	seed            uint64
	start           bool
	minParticipants int
	autoAdvance     bool
	feedback        string
	reconnect       int
	noCamera        bool
	noMic           bool
}

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("participant", pflag.ContinueOnError)

	var opts options
	fs.StringVarP(&opts.server, "server", "s", "http://localhost:8080", "api server address")
	fs.StringVarP(&opts.room, "room", "r", "", "room join code")
	fs.StringVarP(&opts.name, "name", "n", "", "display name")
	fs.StringVarP(&opts.token, "token", "t", "", "login token, required to act as the room host")
	fs.BoolVar(&opts.simulate, "simulate-metrics", true, "generate engagement metrics instead of waiting for an analyzer")
	fs.Uint64Var(&opts.seed, "seed", uint64(time.Now().UnixNano()), "metrics simulator seed")
	fs.BoolVar(&opts.start, "start", false, "start the session once enough participants joined (host only)")
	fs.IntVar(&opts.minParticipants, "min-participants", 2, "participants required before --start")
	fs.BoolVar(&opts.autoAdvance, "auto-advance", false, "advance to the next speaker after each feedback window (host only)")
	fs.StringVar(&opts.feedback, "feedback", "", "feedback sent to every other speaker after their turn")
	fs.IntVar(&opts.reconnect, "reconnect", 3, "rejoin attempts after the signaling channel drops")
	fs.BoolVar(&opts.noCamera, "no-camera", false, "join without a camera")
	fs.BoolVar(&opts.noMic, "no-mic", false, "join without a microphone")
	logLevel := fs.StringP("log-level", "l", "info", "log level")

	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse log level")
	}
	logger = logger.Level(lvl)
	if opts.room == "" {
		logger.Fatal().Msg("--room is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, &logger); err != nil {
		logger.Error().Err(err).Msg("participant stopped")
		cancel()
		os.Exit(1)
	}
}

var errSessionOver = errors.New("session completed")

// run 在通道中斷時重新加入房間，每次都建立新的連線管理器與控制器
func run(ctx context.Context, opts options, logger *zerolog.Logger) error {
	for attempt := 0; ; attempt++ {
		err := session(ctx, opts, logger)
		switch {
		case err == nil, errors.Is(err, errSessionOver):
			return nil
		case ctx.Err() != nil:
			return nil
		}

		var serr *client.SignalingError
		if !errors.As(err, &serr) || serr.Status != 0 || attempt >= opts.reconnect {
			return err
		}
		delay := time.Duration(attempt+1) * time.Second
		logger.Warn().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("rejoining room")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func session(ctx context.Context, opts options, logger *zerolog.Logger) error {
	ch, err := client.Dial(ctx, client.DialConfig{
		ServerURL: opts.server,
		RoomCode:  opts.room,
		Name:      opts.name,
		Token:     opts.token,
	})
	if err != nil {
		return err
	}

	peers, err := peer.NewManager(peer.Config{
		Signaler:   ch,
		Devices:    peer.SyntheticDevices{NoCamera: opts.noCamera, NoMicrophone: opts.noMic},
		ICEServers: peer.DefaultICEServers(),
		Logger:     logger,
	})
	if err != nil {
		ch.Close()
		return err
	}
	if !opts.noCamera || !opts.noMic {
		// 裝置錯誤不重試，由使用者排除後重新啟動
		if _, err := peers.InitializeLocalMedia(ctx, !opts.noCamera, !opts.noMic); err != nil {
			peers.Close()
			ch.Close()
			return err
		}
	}

	var source metrics.Source = metrics.NewPipeline()
	if opts.simulate {
		source = metrics.DefaultSimulator(opts.seed)
	}
	ctrl := client.NewController(ch, peers, client.Config{
		AutoAdvance: opts.autoAdvance,
		Metrics:     source,
		Logger:      logger,
	})

	peerEvents, stopPeerEvents := peers.Subscribe()
	defer stopPeerEvents()
	events, stop := ctrl.Subscribe()
	defer stop()

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	result := make(chan error, 1)
	go func() { result <- ctrl.Run(runCtx) }()

	var (
		started   bool
		completed bool
	)
	for {
		select {
		case err := <-result:
			if completed {
				return errSessionOver
			}
			return err

		case ev, ok := <-peerEvents:
			if !ok {
				peerEvents = nil
				continue
			}
			logPeerEvent(logger, ev)

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			logEvent(logger, ctrl, ev)

			switch ev.Type {
			case client.EventRoomUpdated:
				if opts.start && !started && canStart(ev.Room, ctrl.Self(), opts.minParticipants) {
					started = true
					if err := ctrl.StartSession(); err != nil {
						logger.Error().Err(err).Msg("start session")
					}
				}
			case client.EventPhaseChanged:
				if ev.Phase == models.PhaseFeedback && opts.feedback != "" {
					if speaker := ev.Room.CurrentSpeaker; speaker != "" && speaker != ctrl.Self() {
						if err := ctrl.SendFeedback(speaker, models.FeedbackPositive, opts.feedback); err != nil {
							logger.Error().Err(err).Msg("send feedback")
						}
					}
				}
			case client.EventSessionCompleted:
				// 等控制器關閉通道與連線後再返回
				completed = true
				logReports(logger, ev.Room)
				stopRun()
			}
		}
	}
}

func canStart(room models.RoomSnapshot, self string, required int) bool {
	if room.Status != models.RoomStatusWaiting || room.HostID == "" || room.HostID != self {
		return false
	}
	return len(room.Participants) >= required
}

func logEvent(logger *zerolog.Logger, ctrl *client.Controller, ev client.Event) {
	switch ev.Type {
	case client.EventRoomUpdated:
		logger.Debug().Str("status", string(ev.Room.Status)).Int("participants", len(ev.Room.Participants)).Msg("room updated")
	case client.EventPhaseChanged:
		logger.Info().Str("phase", string(ev.Phase)).Str("speaker", ev.Room.CurrentSpeaker).
			Bool("self", ev.Room.CurrentSpeaker == ctrl.Self()).Dur("countdown", ev.Duration).Msg("phase changed")
	case client.EventTurnComplete:
		logger.Info().Interface("analysis", ev.Analysis).Msg("turn complete")
	case client.EventFeedbackReceived:
		if ev.Feedback != nil {
			logger.Info().Str("from", ev.Feedback.FromName).Str("type", string(ev.Feedback.Type)).Str("message", ev.Feedback.Message).Msg("feedback")
		}
	case client.EventCommandRejected:
		logger.Info().Err(ev.Err).Str("command", ev.Command).Msg("command rejected")
	case client.EventPeerUnreachable:
		logger.Warn().Err(ev.Err).Str("peer", ev.PeerID).Msg("peer unreachable")
	case client.EventSessionCompleted:
		logger.Info().Msg("session completed")
	}
}

func logPeerEvent(logger *zerolog.Logger, ev peer.Event) {
	switch ev.Type {
	case peer.EventStateChanged:
		logger.Debug().Str("peer", ev.PeerID).Str("state", ev.State.String()).Msg("peer connection state")
	case peer.EventRemoteStream:
		logger.Info().Str("peer", ev.PeerID).Int("tracks", len(ev.Stream.Tracks)).Msg("remote stream")
	case peer.EventPeerClosed:
		logger.Debug().Str("peer", ev.PeerID).Msg("peer closed")
	}
}

func logReports(logger *zerolog.Logger, room models.RoomSnapshot) {
	for _, p := range room.Participants {
		logger.Info().
			Str("participant", p.Name).
			Float64("speaking_time", p.SpeakingTimeUsed).
			Int("feedback", len(p.FeedbackReceived)).
			Float64("eye_contact", p.Analysis.EyeContactPercentage).
			Msg("session summary")
	}
}
