package retry

import (
	"context"
	"errors"
	"net"
	"net/textproto"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/brandon/mailsync/pkg/types"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"dns", &net.DNSError{Err: "no such host", Name: "smtp.nowhere"}, KindDNS},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, KindRefused},
		{"unreachable", &net.OpError{Op: "dial", Err: syscall.EHOSTUNREACH}, KindUnreachable},
		{"auth code", &textproto.Error{Code: 535, Msg: "authentication failed"}, KindAuth},
		{"protocol code", &textproto.Error{Code: 554, Msg: "transaction failed"}, KindProtocol},
		{"auth text", errors.New("failed to authenticate: invalid credentials"), KindAuth},
		{"refused text", errors.New("dial tcp: connection refused"), KindRefused},
		{"parse", errors.New("malformed response line"), KindParse},
		{"validation", errors.New("draft has no recipients"), KindParse},
		{"mystery", errors.New("something odd happened"), KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestDelayNonDecreasing(t *testing.T) {
	p := DefaultPolicy()
	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		d := p.Delay(KindUnreachable, attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		prev = d
	}
	assert.LessOrEqual(t, prev, p.Max)
}

func TestDelayConnectFloor(t *testing.T) {
	p := DefaultPolicy()
	assert.GreaterOrEqual(t, p.Delay(KindRefused, 1), 30*time.Second)
	assert.GreaterOrEqual(t, p.Delay(KindProtocol, 1), 30*time.Second)
	// Auth failures are not connection-class; the floor does not apply.
	assert.Equal(t, p.Base, p.Delay(KindAuth, 1))
}

func TestDelayFloorIsTunable(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Minute, ConnectFloor: 5 * time.Second}
	assert.Equal(t, 5*time.Second, p.Delay(KindRefused, 1))
	assert.Equal(t, 8*time.Second, p.Delay(KindRefused, 4))
}

func TestTrackerResetOnSuccess(t *testing.T) {
	tr := NewTracker()
	key := types.RetryKey{AccountID: "acct", Host: "smtp.example.com"}

	assert.Equal(t, 1, tr.Failure(key))
	assert.Equal(t, 2, tr.Failure(key))
	assert.Equal(t, 3, tr.Failure(key))
	assert.Equal(t, 3, tr.Failures(key))

	tr.Success(key)
	assert.Equal(t, 0, tr.Failures(key))
	assert.Equal(t, 1, tr.Failure(key))
}

func TestTrackerKeysAreScoped(t *testing.T) {
	tr := NewTracker()
	a := types.RetryKey{AccountID: "acct", Host: "a.example.com"}
	b := types.RetryKey{AccountID: "acct", Host: "b.example.com"}

	tr.Failure(a)
	assert.Equal(t, 0, tr.Failures(b))
}
