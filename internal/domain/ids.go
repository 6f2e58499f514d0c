// Package domain contains session entities without transport logic, just meta-data
package domain

import (
	"fmt"
	"strings"

	"github.com/dkeye/Stream/pkg/protocol"
	"github.com/google/uuid"
)

type (
	ConnectionID   string
	TransportID    string
	ProducerID     string
	ConsumerID     string
	DataProducerID string
	DataConsumerID string

	// ChatKey names the companion data producer of a media producer.
	ChatKey string
)

const chatKeySuffix = protocol.ChatKeySuffix

// NewID returns an opaque globally unique identifier.
func NewID() string { return uuid.NewString() }

// ChatKeyFor derives the chat key of a stream from its media producer id.
func ChatKeyFor(id ProducerID) ChatKey {
	return ChatKey(string(id) + chatKeySuffix)
}

// ProducerID reverses ChatKeyFor.
func (k ChatKey) ProducerID() (ProducerID, bool) {
	s := string(k)
	if len(s) <= len(chatKeySuffix) || !strings.HasSuffix(s, chatKeySuffix) {
		return "", false
	}
	return ProducerID(strings.TrimSuffix(s, chatKeySuffix)), true
}

type Role string

const (
	RolePublish   Role = "publish"
	RoleSubscribe Role = "subscribe"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RolePublish, RoleSubscribe:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrBadRequest, s)
}

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindAudio, KindVideo:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrBadRequest, s)
}
