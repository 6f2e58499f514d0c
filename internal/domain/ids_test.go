package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/dkeye/Stream/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatKeyRoundTrip(t *testing.T) {
	key := ChatKeyFor("P1")
	assert.Equal(t, ChatKey("P1-data"), key)

	id, ok := key.ProducerID()
	require.True(t, ok)
	assert.Equal(t, ProducerID("P1"), id)

	_, ok = ChatKey("-data").ProducerID()
	assert.False(t, ok)
	_, ok = ChatKey("P1").ProducerID()
	assert.False(t, ok)
}

func TestParseRoleAndKind(t *testing.T) {
	r, err := ParseRole("subscribe")
	require.NoError(t, err)
	assert.Equal(t, RoleSubscribe, r)

	_, err = ParseRole("both")
	assert.ErrorIs(t, err, ErrBadRequest)

	k, err := ParseKind("video")
	require.NoError(t, err)
	assert.Equal(t, KindVideo, k)

	_, err = ParseKind("screen")
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestFromContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()

	err := FromContext(ctx.Err())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, Retryable(err))

	assert.ErrorIs(t, FromContext(context.Canceled), ErrStaleResource)
	assert.False(t, Retryable(FromContext(context.Canceled)))

	other := errors.New("boom")
	assert.Same(t, other, FromContext(other))
	assert.NoError(t, FromContext(nil))
}

func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("consume: %w", ErrProducerNotFound)
	assert.Equal(t, protocol.CodeProducerNotFound, CodeOf(err))
	assert.Equal(t, protocol.CodeTimeout, CodeOf(context.DeadlineExceeded))
	assert.Equal(t, protocol.CodeInternal, CodeOf(errors.New("boom")))

	pe := ToProtocol(context.DeadlineExceeded)
	require.NotNil(t, pe)
	assert.Equal(t, protocol.CodeTimeout, pe.Code)
	assert.True(t, pe.Retryable)
	assert.Nil(t, ToProtocol(nil))
}
