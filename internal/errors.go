package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"syscall"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// ErrorKind classifies failures at transport and storage boundaries so that
// callers can decide whether to retry, keep last-good data, or tear the
// session down. Nothing of this taxonomy escapes to the UI layer as an
// exception; observable effects are limited to advisory messages and flags.
type ErrorKind int

const (
	// KindNetwork covers timeouts, aborts and connection resets. Always
	// retryable on the next trigger.
	KindNetwork ErrorKind = iota
	// KindMalformed covers undecodable payloads and unexpected document
	// shapes. Reads keep last-good data; queue writes fail closed.
	KindMalformed
	// KindFatal covers storage corruption. Not retryable; forces logout.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindMalformed:
		return "malformed"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// DataError attaches an ErrorKind to an underlying error.
type DataError struct {
	Kind ErrorKind
	Err  error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func NewDataError(kind ErrorKind, format string, args ...interface{}) *DataError {
	return &DataError{
		Kind: kind,
		Err:  fmt.Errorf(format, args...),
	}
}

// Classify maps an arbitrary error to its ErrorKind. Errors already carrying
// a kind keep it; context and net errors count as network failures; anything
// else is assumed to be a malformed response.
func Classify(err error) ErrorKind {
	var de *DataError
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return KindNetwork
	}
	return KindMalformed
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and FLEETSYNC_DEBUG=1 then the program panics.
// If expr is false and FLEETSYNC_DEBUG is unset or not '1' then the program logs an error along with
// a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal functioning
// of the program, and shouldn't be used to log a normal error e.g network errors.
//
// The msg provided should be the expectation of the assert e.g:
//
//	Assert("list is not empty", len(list) > 0)
//
// Which then produces:
//
//	assertion failed: list is not empty
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("FLEETSYNC_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
