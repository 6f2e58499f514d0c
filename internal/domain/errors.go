package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Stream/pkg/protocol"
)

var (
	ErrEngineNotReady           = errors.New("engine not ready")
	ErrTransportNotFound        = errors.New("transport not found")
	ErrProducerNotFound         = errors.New("producer not found")
	ErrDtlsHandshakeFailed      = errors.New("dtls handshake failed")
	ErrSctpNotEnabled           = errors.New("sctp not enabled")
	ErrIncompatibleCapabilities = errors.New("incompatible capabilities")
	ErrTimeout                  = errors.New("timeout")
	ErrStaleResource            = errors.New("stale resource")
	ErrInvalidState             = errors.New("invalid state")
	ErrBadRequest               = errors.New("bad request")
)

// FromContext turns a context error into the taxonomy. Other errors pass through.
func FromContext(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrStaleResource, err)
	}
	return err
}

// Retryable reports whether the caller may repeat the operation as is.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout)
}

var codes = []struct {
	err  error
	code string
}{
	{ErrEngineNotReady, protocol.CodeEngineNotReady},
	{ErrTransportNotFound, protocol.CodeTransportNotFound},
	{ErrProducerNotFound, protocol.CodeProducerNotFound},
	{ErrDtlsHandshakeFailed, protocol.CodeDtlsHandshakeFailed},
	{ErrSctpNotEnabled, protocol.CodeSctpNotEnabled},
	{ErrIncompatibleCapabilities, protocol.CodeIncompatibleCapabilities},
	{ErrTimeout, protocol.CodeTimeout},
	{ErrStaleResource, protocol.CodeStaleResource},
	{ErrInvalidState, protocol.CodeInvalidState},
	{ErrBadRequest, protocol.CodeBadRequest},
}

// CodeOf maps an error chain to its wire code.
func CodeOf(err error) string {
	err = FromContext(err)
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return protocol.CodeInternal
}

// ToProtocol builds the explicit error payload for err.
func ToProtocol(err error) *protocol.Error {
	if err == nil {
		return nil
	}
	err = FromContext(err)
	return &protocol.Error{
		Code:      CodeOf(err),
		Message:   err.Error(),
		Retryable: Retryable(err),
	}
}
