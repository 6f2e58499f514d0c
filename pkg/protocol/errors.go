package protocol

import (
	"errors"
	"fmt"
)

// Error codes carried by a failed response.
const (
	CodeEngineNotReady           = "EngineNotReady"
	CodeTransportNotFound        = "TransportNotFound"
	CodeProducerNotFound         = "ProducerNotFound"
	CodeDtlsHandshakeFailed      = "DtlsHandshakeFailed"
	CodeSctpNotEnabled           = "SctpNotEnabled"
	CodeIncompatibleCapabilities = "IncompatibleCapabilities"
	CodeTimeout                  = "Timeout"
	CodeStaleResource            = "StaleResource"
	CodeInvalidState             = "InvalidState"
	CodeBadRequest               = "BadRequest"
	CodeInternal                 = "Internal"
)

// Error is the explicit error payload of a failed request.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == code
}
