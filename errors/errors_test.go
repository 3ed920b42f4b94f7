package errors

import (
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

func TestGrpcCode(t *testing.T) {
	assert.Equal(t, codes.OK, Code(nil), "code should be OK")

	err := fmt.Errorf("test error")
	assert.Equal(t, codes.Unknown, Code(err), "code should be unknown")

	err = WithCode(err, codes.InvalidArgument)
	assert.Equal(t, codes.InvalidArgument, Code(err), "code should be InvalidArgument")

	err = WithCode(err, codes.AlreadyExists)
	assert.Equal(t, codes.AlreadyExists, Code(err), "code should be AlreadyExists")

	err = WrapPrefix(err, "wrapped", 0)
	assert.Equal(t, codes.AlreadyExists, Code(err), "code should still be AlreadyExists")
}

func TestHttpStatusCode(t *testing.T) {
	assert.Equal(t, 200, HTTPStatusCode(nil), "non errors should 200")

	err := fmt.Errorf("test error")
	assert.Equal(t, 500, HTTPStatusCode(err), "should default to 500")

	err = WithCode(err, codes.FailedPrecondition)
	assert.Equal(t, 412, HTTPStatusCode(err), "GRPC error should map to 412 http error")

	err = WithHTTPStatusCode(err, 409)
	assert.Equal(t, 409, HTTPStatusCode(err), "http status code should override grpc code")

	err = WrapPrefix(err, "wrapped", 0)
	assert.Equal(t, 409, HTTPStatusCode(err), "http status code should still be 409")
}

func TestPrefix(t *testing.T) {
	err := fmt.Errorf("test error")
	err = WrapPrefix(err, "wrapped", 0)
	assert.Equal(t, "wrapped: test error", err.Error(), "error should have prefix")
}

func TestPublicMessage(t *testing.T) {
	err := New("test error")
	assert.Equal(t, "test error", PublicMessage(err))

	err = err.WithPublicMessage("public message")
	assert.Equal(t, "public message", PublicMessage(err))

	assert.Equal(t, "An unknown error occurred", PublicMessage(io.EOF))
}

func TestWrappedError(t *testing.T) {
	err := NewC("test error", codes.InvalidArgument)
	wrappedErr := fmt.Errorf("%w : wrapped error", err)

	assert.Equal(t, codes.InvalidArgument, Code(wrappedErr))
	assert.Equal(t, 400, HTTPStatusCode(wrappedErr))
}

func TestMark(t *testing.T) {
	err := NewC("test error", codes.InvalidArgument)
	markedErr := Mark(err, 0)

	assert.NotSame(t, err, markedErr)
	assert.True(t, Is(markedErr, err), "Marked error should still satisfy Is")
	assert.ErrorIs(t, fmt.Errorf("outer: %w", markedErr), err)
	assert.Equal(t, codes.InvalidArgument, Code(markedErr))

	other := NewC("test error", codes.InvalidArgument)
	assert.False(t, Is(markedErr, other), "sentinels with equal text are distinct")
}

func TestAppend(t *testing.T) {
	sentinel := NewC("invalid model", codes.InvalidArgument)
	err := Mark(sentinel, 0).Append("missing id")

	assert.Equal(t, "invalid model: missing id", err.Error())
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, codes.InvalidArgument, Code(err))
}

func TestMaybeWrap(t *testing.T) {
	assert.NoError(t, MaybeWrap(nil, 0))

	err := MaybeWrap(io.EOF, 0)
	assert.ErrorIs(t, err, io.EOF)

	var e *Error
	assert.True(t, As(err, &e))
	assert.True(t, strings.Contains(e.ErrorStack(), "TestMaybeWrap"))
}

func TestMinimalStack(t *testing.T) {
	err := New("boom")
	assert.Len(t, err.MinimalStack(0, 1), 1)
	assert.Contains(t, strings.Join(err.MinimalStack(0, 10), "\n"), "TestMinimalStack")
}

type customIsError struct {
	Key string
	Err error
}

func (ewci customIsError) Error() string {
	return "[" + ewci.Key + "]: " + ewci.Err.Error()
}

func (ewci customIsError) Is(target error) bool {
	matched, ok := target.(customIsError)
	return ok && matched.Key == ewci.Key
}

func TestIs(t *testing.T) {
	regularErr := fmt.Errorf("just a regular error")

	custErr := customIsError{
		Key: "TestForFun",
		Err: io.EOF,
	}

	shouldMatch := customIsError{Key: "TestForFun"}
	shouldNotMatch := customIsError{Key: "notOk"}

	tests := []struct {
		name     string
		target   error
		original error
		want     bool
	}{
		{name: "custom error with same key", target: custErr, original: shouldMatch, want: true},
		{name: "custom error with different key", target: custErr, original: shouldNotMatch, want: false},
		{name: "custom error with same key, wrapped", target: Wrap(custErr, 0), original: shouldMatch, want: true},
		{name: "custom error with different key, wrapped", target: Wrap(custErr, 0), original: shouldNotMatch, want: false},
		{name: "regular error", target: regularErr, original: regularErr, want: true},
		{name: "regular error, wrapped", target: Wrap(regularErr, 0), original: regularErr, want: true},
		{name: "regular error, wrapped both sides", target: Wrap(regularErr, 0), original: Wrap(regularErr, 0), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Is(tt.target, tt.original))
		})
	}
}
