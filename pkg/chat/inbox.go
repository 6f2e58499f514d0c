package chat

import (
	"sync"

	"github.com/dkeye/Stream/pkg/protocol"
)

type Path string

const (
	PathLocal       Path = "local"
	PathBroadcast   Path = "broadcast"
	PathDataChannel Path = "datachannel"
)

// identitiesPerStream sizes the shared identity set relative to one history.
const identitiesPerStream = 8

type Applied struct {
	StreamID string
	Message  protocol.ChatMessage
	Path     Path
}

// Inbox is the local display buffer of a client, one history per stream.
// Identities are shared by all streams, so a message is applied once even
// when its copies arrive under different stream ids.
type Inbox struct {
	mu        sync.Mutex
	capacity  int
	seen      *Deduper
	streams   map[string]*stream
	onApplied func(Applied)
}

type stream struct {
	messages []protocol.ChatMessage
}

// NewInbox keeps up to capacity messages per stream and identitiesPerStream
// times as many identities overall. onApplied may be nil.
func NewInbox(capacity int, onApplied func(Applied)) *Inbox {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Inbox{
		capacity:  capacity,
		seen:      NewDeduper(capacity * identitiesPerStream),
		streams:   make(map[string]*stream),
		onApplied: onApplied,
	}
}

// Apply appends msg unless a message with the same identity was applied before.
func (in *Inbox) Apply(streamID string, msg protocol.ChatMessage, path Path) bool {
	in.mu.Lock()
	if !in.seen.Mark(msg.Identity()) {
		in.mu.Unlock()
		return false
	}
	s, ok := in.streams[streamID]
	if !ok {
		s = &stream{}
		in.streams[streamID] = s
	}
	s.messages = append(s.messages, msg)
	if over := len(s.messages) - in.capacity; over > 0 {
		s.messages = append(s.messages[:0:0], s.messages[over:]...)
	}
	cb := in.onApplied
	in.mu.Unlock()

	if cb != nil {
		cb(Applied{StreamID: streamID, Message: msg, Path: path})
	}
	return true
}

// Messages returns a copy of the history of a stream.
func (in *Inbox) Messages(streamID string) []protocol.ChatMessage {
	in.mu.Lock()
	defer in.mu.Unlock()
	s, ok := in.streams[streamID]
	if !ok {
		return nil
	}
	out := make([]protocol.ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// Forget drops the history of a stream, e.g. after producerClosed. Its
// identities stay, so late copies are still suppressed.
func (in *Inbox) Forget(streamID string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.streams, streamID)
}
