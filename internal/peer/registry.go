package peer

import (
	"slices"
	"sync"

	"github.com/pion/webrtc/v4"
)

// RemoteStream 是某位參與者送來的媒體
type RemoteStream struct {
	PeerID string
	Tracks []*webrtc.TrackRemote
}

// StreamRegistry 以參與者身份索引遠端媒體，畫面層在建立顯示元件時自行查詢
type StreamRegistry struct {
	mu      sync.RWMutex
	streams map[string][]*webrtc.TrackRemote
}

func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{streams: make(map[string][]*webrtc.TrackRemote)}
}

func (r *StreamRegistry) Add(peerID string, track *webrtc.TrackRemote) RemoteStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[peerID] = append(r.streams[peerID], track)
	return RemoteStream{PeerID: peerID, Tracks: slices.Clone(r.streams[peerID])}
}

func (r *StreamRegistry) Remove(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.streams[peerID]
	delete(r.streams, peerID)
	return ok
}

func (r *StreamRegistry) Get(peerID string) (RemoteStream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tracks, ok := r.streams[peerID]
	if !ok {
		return RemoteStream{}, false
	}
	return RemoteStream{PeerID: peerID, Tracks: slices.Clone(tracks)}, true
}

// Peers 回傳已有媒體的參與者，依身份排序
func (r *StreamRegistry) Peers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
