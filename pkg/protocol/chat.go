package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ChatMessage is immutable once created and exists only in transit.
type ChatMessage struct {
	ID        string `json:"id,omitempty"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

func NewChatMessage(sender, content string) ChatMessage {
	return ChatMessage{
		ID:        uuid.NewString(),
		Sender:    sender,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Identity names one logical message across every delivery path.
// Messages from peers that do not set an id are identified by their content hash.
func (m ChatMessage) Identity() string {
	if m.ID != "" {
		return m.ID
	}
	h := sha256.New()
	h.Write([]byte(m.Sender))
	h.Write([]byte{0})
	h.Write([]byte(m.Content))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(m.Timestamp, 10)))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// ChatKeySuffix turns a media producer id into the chat key of its stream.
const ChatKeySuffix = "-data"

// ChatKey is the consumeData reference for the chat of producerID.
func ChatKey(producerID string) string { return producerID + ChatKeySuffix }
