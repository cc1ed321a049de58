package broker

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BROKER ERROR CLASSIFICATION
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every broker failure gets sorted into one of four kinds:
//
//   Fatal     - auth is gone, retrying cannot help, trading must stop
//   Retryable - throttling or transient server/network trouble
//   Benign    - expected "nothing to do" responses (market closed etc.)
//   Unknown   - everything else, surfaced as-is without retries
//
// Callers inspect the kind with IsFatal / IsRetryable / IsBenign.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Kind classifies a broker error.
type Kind int

const (
	KindUnknown Kind = iota
	KindFatal
	KindRetryable
	KindBenign
)

func (k Kind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindRetryable:
		return "retryable"
	case KindBenign:
		return "benign"
	default:
		return "unknown"
	}
}

// Error is a classified broker API error.
type Error struct {
	Kind Kind
	Code int
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: [%d] %s", e.Op, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

// ErrTokenExpired marks auth failures. It wraps every fatal-kind error so
// the engine can halt on errors.Is(err, ErrTokenExpired).
var ErrTokenExpired = errors.New("access token expired or invalid")

func (e *Error) Unwrap() error {
	if e.Kind == KindFatal {
		return ErrTokenExpired
	}
	return nil
}

// Auth error codes that invalidate the session.
var fatalCodes = map[int]bool{
	-8: true, -15: true, -16: true, -17: true,
	-100: true, -101: true, -102: true,
}

// Throttling and transient server errors.
var retryableCodes = map[int]bool{
	-429: true, 429: true, 500: true, 502: true, 503: true, 504: true,
}

// Message fragments that mean "no result", not failure.
var benignFragments = []string{
	"market is in closed state",
	"no data found",
	"invalid symbol",
	"invalid order",
}

// Classify builds a typed error from a broker response code and message.
func Classify(op string, code int, msg string) *Error {
	e := &Error{Kind: KindUnknown, Code: code, Op: op, Msg: msg}
	switch {
	case fatalCodes[code]:
		e.Kind = KindFatal
	case retryableCodes[code]:
		e.Kind = KindRetryable
	default:
		lower := strings.ToLower(msg)
		for _, frag := range benignFragments {
			if strings.Contains(lower, frag) {
				e.Kind = KindBenign
				break
			}
		}
	}
	return e
}

// KindOf returns the classification of err. Transport-level failures
// (timeouts, refused connections, DNS) count as retryable.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if isNetworkError(err) {
		return KindRetryable
	}
	return KindUnknown
}

func IsFatal(err error) bool     { return KindOf(err) == KindFatal }
func IsRetryable(err error) bool { return KindOf(err) == KindRetryable }
func IsBenign(err error) bool    { return KindOf(err) == KindBenign }

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
