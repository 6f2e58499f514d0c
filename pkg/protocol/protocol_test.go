package protocol

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatMessageIdentity(t *testing.T) {
	m := NewChatMessage("A", "hi")
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, m.ID, m.Identity())

	anon := ChatMessage{Sender: "A", Content: "hi", Timestamp: 42}
	same := ChatMessage{Sender: "A", Content: "hi", Timestamp: 42}
	other := ChatMessage{Sender: "A", Content: "hi", Timestamp: 43}
	assert.Equal(t, anon.Identity(), same.Identity())
	assert.NotEqual(t, anon.Identity(), other.Identity())

	// field boundaries are part of the identity
	a := ChatMessage{Sender: "ab", Content: "c", Timestamp: 1}
	b := ChatMessage{Sender: "a", Content: "bc", Timestamp: 1}
	assert.NotEqual(t, a.Identity(), b.Identity())
}

func TestFallbackShape(t *testing.T) {
	b, err := json.Marshal(ConsumeDataResponse{Fallback: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"fallback":true}`, string(b))
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("consume: %w", &Error{Code: CodeProducerNotFound, Message: "gone"})
	assert.True(t, IsCode(err, CodeProducerNotFound))
	assert.False(t, IsCode(err, CodeTimeout))
	assert.False(t, IsCode(nil, CodeTimeout))
}

func TestCapabilitiesSupports(t *testing.T) {
	caps := RTPCapabilities{Codecs: []Codec{{Kind: "video", MimeType: "video/VP8", ClockRate: 90000}}}
	assert.True(t, caps.Supports(Codec{MimeType: "video/vp8", ClockRate: 90000}))
	assert.False(t, caps.Supports(Codec{MimeType: "video/H264", ClockRate: 90000}))
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(7, TypeResponse, IDResponse{ID: "x"})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), env.ID)
	assert.JSONEq(t, `{"id":"x"}`, string(env.Data))

	env, err = NewEnvelope(0, TypePing, nil)
	require.NoError(t, err)
	assert.Nil(t, env.Data)
}
