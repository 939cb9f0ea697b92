// Package imapx defines the IMAP session capability the engine
// consumes, plus the live implementation backed by emersion/go-imap.
package imapx

import (
	"context"
	"time"

	"github.com/brandon/mailsync/pkg/types"
)

// Security selects how the connection is protected.
const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityPlain    = "plain"
)

// ConnectParams carries everything needed to reach one IMAP server.
type ConnectParams struct {
	Host     string
	Port     int
	Username string
	Password string
	Security string
	Timeout  time.Duration
}

// FlagMode selects how a flag store operation applies its flags.
type FlagMode int

const (
	AddFlags FlagMode = iota
	RemoveFlags
	SetFlags
)

// Dialer opens IMAP sessions.
type Dialer interface {
	Dial(ctx context.Context, params ConnectParams) (Session, error)
}

// Session is one authenticated IMAP connection. Close force-closes the
// underlying socket and is safe to call from another goroutine, which
// is how cancellation reaches an in-flight command.
type Session interface {
	Login(ctx context.Context, username, password string) error
	// ListSpecialUse returns folders carrying SPECIAL-USE attributes.
	// It fails when the server reports none, so callers can fall back
	// to ListAll.
	ListSpecialUse(ctx context.Context) ([]types.Folder, error)
	// ListAll lists every folder, capped at maxLines entries and
	// maxBytes of cumulative name data.
	ListAll(ctx context.Context, maxLines, maxBytes int) ([]types.Folder, error)
	Select(ctx context.Context, folder string) error
	SearchAll(ctx context.Context) ([]string, error)
	FetchHeaders(ctx context.Context, uids []string) ([]types.MessageHeader, error)
	FetchFlags(ctx context.Context, uids []string) (map[string][]string, error)
	FetchBody(ctx context.Context, uid string) ([]byte, error)
	Store(ctx context.Context, uids []string, flags []string, mode FlagMode) error
	Expunge(ctx context.Context) error
	Append(ctx context.Context, folder string, raw []byte) error
	Logout() error
	Close() error
}
