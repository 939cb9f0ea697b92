// Package retry classifies delivery failures and computes backoff
// delays scoped per (account, destination host).
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/brandon/mailsync/pkg/types"
)

// Kind is the classified failure category of a send attempt.
type Kind string

const (
	KindDNS         Kind = "dns"
	KindTimeout     Kind = "timeout"
	KindRefused     Kind = "refused"
	KindUnreachable Kind = "unreachable"
	KindAuth        Kind = "auth"
	KindProtocol    Kind = "protocol"
	KindParse       Kind = "parse"
	KindIO          Kind = "io"
	KindUnknown     Kind = "unknown"
)

// Classify maps an error onto the failure taxonomy. Unrecognized
// errors land in KindUnknown rather than failing.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNS
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindRefused
	}
	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return KindUnreachable
	}

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		switch {
		case protoErr.Code == 530 || protoErr.Code == 534 || protoErr.Code == 535:
			return KindAuth
		default:
			return KindProtocol
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "authentication") || strings.Contains(msg, "auth failed") ||
		strings.Contains(msg, "invalid credentials") || strings.Contains(msg, "login"):
		return KindAuth
	case strings.Contains(msg, "connection refused"):
		return KindRefused
	case strings.Contains(msg, "unreachable"):
		return KindUnreachable
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return KindTimeout
	case strings.Contains(msg, "malformed") || strings.Contains(msg, "parse") ||
		strings.Contains(msg, "draft has no"):
		return KindParse
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset"):
		return KindIO
	case strings.Contains(msg, "unexpected") || strings.Contains(msg, "protocol"):
		return KindProtocol
	}
	return KindUnknown
}

// connectionClass kinds get the backoff floor: hammering a server that
// refuses connections only makes things worse.
var connectionClass = map[Kind]bool{
	KindDNS:         true,
	KindTimeout:     true,
	KindRefused:     true,
	KindUnreachable: true,
	KindProtocol:    true,
	KindIO:          true,
}

// Policy computes backoff delays: exponential from Base, capped at
// Max, with ConnectFloor as the minimum for connection/protocol-class
// failures.
type Policy struct {
	Base         time.Duration
	Max          time.Duration
	ConnectFloor time.Duration
}

// DefaultPolicy mirrors the tuning the engine ships with. The 30s
// connect floor is deliberately conservative; override it via
// configuration when a deployment needs faster redelivery probing.
func DefaultPolicy() Policy {
	return Policy{
		Base:         5 * time.Second,
		Max:          10 * time.Minute,
		ConnectFloor: 30 * time.Second,
	}
}

// Delay returns the backoff before the next attempt. It is
// non-decreasing in the attempt number until a success resets the
// counter.
func (p Policy) Delay(kind Kind, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 10 {
		shift = 10
	}
	d := p.Base << uint(shift)
	if d > p.Max || d <= 0 {
		d = p.Max
	}
	if connectionClass[kind] && d < p.ConnectFloor {
		d = p.ConnectFloor
	}
	return d
}

// Tracker keeps consecutive-failure counts per retry key. State lives
// only in memory; a restart starts the schedule over.
type Tracker struct {
	mu       sync.Mutex
	failures map[types.RetryKey]int
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{failures: make(map[types.RetryKey]int)}
}

// Failure records a failed attempt and returns the new consecutive
// count.
func (t *Tracker) Failure(key types.RetryKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[key]++
	return t.failures[key]
}

// Success resets the consecutive-failure count for a key.
func (t *Tracker) Success(key types.RetryKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, key)
}

// Failures returns the current consecutive-failure count.
func (t *Tracker) Failures(key types.RetryKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures[key]
}
