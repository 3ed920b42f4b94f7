package wechat

import (
	"fmt"

	"github.com/dpup/wxauth/errors"
)

// ProviderError is returned when WeChat answers with a non-zero errcode, for
// example 40029 for an invalid code or 42002 for an expired refresh token.
type ProviderError struct {
	Code    int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("wechat: errcode %d: %s", e.Code, e.Message)
}

// TransportError is returned when the call never produced a provider answer:
// network failures, unexpected HTTP statuses and undecodable bodies.
type TransportError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("wechat: %s: http status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("wechat: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err was caused by a transport failure rather
// than an answer from the provider.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsProvider reports whether err carries a provider errcode.
func IsProvider(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
