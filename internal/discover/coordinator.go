// Package discover negotiates folder topology for an account and maps
// it onto the five canonical roles. One Coordinator instance owns all
// shared discovery state; there are no package-level registries.
package discover

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/brandon/mailsync/internal/imapx"
	"github.com/brandon/mailsync/pkg/types"
)

// ErrBlockedByTestMode is returned while test mode blocks discovery.
var ErrBlockedByTestMode = errors.New("discovery blocked by test mode")

// ErrTimeout is returned when the overall discovery budget elapses.
var ErrTimeout = errors.New("discovery timed out")

// Options tune the coordinator. Zero values get defaults.
type Options struct {
	DebounceWindow time.Duration
	StepTimeout    time.Duration
	OverallBudget  time.Duration
	ListMaxLines   int
	ListMaxBytes   int
	CacheSize      int
}

func (o *Options) withDefaults() {
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = 60 * time.Second
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = 10 * time.Second
	}
	if o.OverallBudget <= 0 {
		o.OverallBudget = 45 * time.Second
	}
	if o.ListMaxLines <= 0 {
		o.ListMaxLines = 200
	}
	if o.ListMaxBytes <= 0 {
		o.ListMaxBytes = 50 * 1024
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 128
	}
}

// Coordinator runs folder discovery with per-account single-flight,
// debouncing, caching and cancellation.
type Coordinator struct {
	dialer imapx.Dialer
	opts   Options
	logger *logrus.Logger

	group singleflight.Group

	mu          sync.Mutex
	cache       *lru.Cache[string, types.FolderMap]
	lastAttempt map[string]time.Time
	active      map[string]imapx.Session
	testMode    bool
}

// New creates a Coordinator.
func New(dialer imapx.Dialer, logger *logrus.Logger, opts Options) *Coordinator {
	opts.withDefaults()
	cache, _ := lru.New[string, types.FolderMap](opts.CacheSize)
	return &Coordinator{
		dialer:      dialer,
		opts:        opts,
		logger:      logger,
		cache:       cache,
		lastAttempt: make(map[string]time.Time),
		active:      make(map[string]imapx.Session),
	}
}

// Discover resolves the folder map for an account. Concurrent calls
// for the same account attach to one in-flight session and observe the
// same result.
func (c *Coordinator) Discover(ctx context.Context, accountID string, params imapx.ConnectParams) (types.FolderMap, error) {
	if fm, ok := providerFolderMap(params.Host); ok {
		c.mu.Lock()
		c.cache.Add(accountID, fm)
		c.mu.Unlock()
		return fm, nil
	}

	v, err, _ := c.group.Do(accountID, func() (interface{}, error) {
		return c.discover(ctx, accountID, params)
	})
	if err != nil {
		return types.FolderMap{}, err
	}
	return v.(types.FolderMap), nil
}

func (c *Coordinator) discover(ctx context.Context, accountID string, params imapx.ConnectParams) (types.FolderMap, error) {
	c.mu.Lock()
	if c.testMode {
		c.mu.Unlock()
		return types.FolderMap{}, ErrBlockedByTestMode
	}
	if last, ok := c.lastAttempt[accountID]; ok && time.Since(last) < c.opts.DebounceWindow {
		if fm, hit := c.cache.Get(accountID); hit {
			c.mu.Unlock()
			return fm, nil
		}
		// No cached map yet; proceed rather than block the caller.
	}
	c.lastAttempt[accountID] = time.Now()
	c.mu.Unlock()

	// The overall budget is enforced independently of per-step
	// timeouts so many slow-but-successful steps cannot exceed it.
	ctx, cancel := context.WithTimeout(ctx, c.opts.OverallBudget)
	defer cancel()

	if params.Timeout <= 0 {
		params.Timeout = c.opts.StepTimeout
	}
	sess, err := c.dialer.Dial(ctx, params)
	if err != nil {
		return types.FolderMap{}, c.classify(err, ctx)
	}

	c.mu.Lock()
	if c.testMode {
		c.mu.Unlock()
		sess.Close() //nolint:errcheck
		return types.FolderMap{}, ErrBlockedByTestMode
	}
	c.active[accountID] = sess
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.active[accountID] == sess {
			delete(c.active, accountID)
		}
		c.mu.Unlock()
		if ctx.Err() != nil {
			// The budget elapsed; a polite logout would block on the
			// same dead connection.
			sess.Close() //nolint:errcheck
			return
		}
		if err := sess.Logout(); err != nil {
			sess.Close() //nolint:errcheck
		}
	}()

	if err := sess.Login(ctx, params.Username, params.Password); err != nil {
		return types.FolderMap{}, c.classify(err, ctx)
	}

	folders, err := c.listFolders(ctx, sess)
	if err != nil {
		return types.FolderMap{}, c.classify(err, ctx)
	}

	for i := range folders {
		folders[i].Name = DecodeMailboxName(folders[i].Name)
	}
	fm := MapRoles(folders)

	c.mu.Lock()
	c.cache.Add(accountID, fm)
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"account": accountID,
		"folders": len(folders),
	}).Info("Folder discovery complete")
	return fm, nil
}

// listFolders tries the SPECIAL-USE listing under a short timeout and
// falls back to a capped generic listing.
func (c *Coordinator) listFolders(ctx context.Context, sess imapx.Session) ([]types.Folder, error) {
	suCtx, cancel := context.WithTimeout(ctx, c.opts.StepTimeout)
	folders, err := sess.ListSpecialUse(suCtx)
	cancel()
	if err == nil && len(folders) > 0 {
		return folders, nil
	}
	if err != nil {
		c.logger.WithError(err).Debug("SPECIAL-USE listing unavailable, falling back to generic listing")
	}

	listCtx, cancel := context.WithTimeout(ctx, c.opts.StepTimeout)
	defer cancel()
	return sess.ListAll(listCtx, c.opts.ListMaxLines, c.opts.ListMaxBytes)
}

func (c *Coordinator) classify(err error, ctx context.Context) error {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// Cached returns the cached folder map without any I/O.
func (c *Coordinator) Cached(accountID string) (types.FolderMap, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Get(accountID)
}

// Invalidate drops the cached map and debounce timestamp so the next
// Discover call reaches the network again.
func (c *Coordinator) Invalidate(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(accountID)
	delete(c.lastAttempt, accountID)
}

// Cancel force-closes the active connection for one account.
func (c *Coordinator) Cancel(accountID string) {
	c.mu.Lock()
	sess, ok := c.active[accountID]
	if ok {
		delete(c.active, accountID)
	}
	c.mu.Unlock()
	if ok {
		sess.Close() //nolint:errcheck
	}
}

// CancelAll force-closes every tracked connection.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	sessions := make([]imapx.Session, 0, len(c.active))
	for id, sess := range c.active {
		sessions = append(sessions, sess)
		delete(c.active, id)
	}
	c.mu.Unlock()
	for _, sess := range sessions {
		sess.Close() //nolint:errcheck
	}
}

// SetTestMode blocks new discovery starts while raised and proactively
// closes active connections, so connection tests never interleave with
// discovery traffic.
func (c *Coordinator) SetTestMode(on bool) {
	c.mu.Lock()
	c.testMode = on
	c.mu.Unlock()
	if on {
		c.CancelAll()
	}
}

// providerFolderMap is the fast path for well-known hosts whose folder
// layout is fixed; it skips the network round trip entirely.
func providerFolderMap(host string) (types.FolderMap, bool) {
	switch strings.ToLower(host) {
	case "imap.gmail.com", "imap.googlemail.com":
		return types.FolderMap{
			Inbox:  "INBOX",
			Sent:   "[Gmail]/Sent Mail",
			Drafts: "[Gmail]/Drafts",
			Trash:  "[Gmail]/Trash",
			Spam:   "[Gmail]/Spam",
		}, true
	case "outlook.office365.com", "imap-mail.outlook.com":
		return types.FolderMap{
			Inbox:  "INBOX",
			Sent:   "Sent Items",
			Drafts: "Drafts",
			Trash:  "Deleted Items",
			Spam:   "Junk Email",
		}, true
	case "imap.mail.yahoo.com":
		return types.FolderMap{
			Inbox:  "INBOX",
			Sent:   "Sent",
			Drafts: "Draft",
			Trash:  "Trash",
			Spam:   "Bulk Mail",
		}, true
	case "imap.mail.me.com":
		return types.FolderMap{
			Inbox:  "INBOX",
			Sent:   "Sent Messages",
			Drafts: "Drafts",
			Trash:  "Deleted Messages",
			Spam:   "Junk",
		}, true
	}
	return types.FolderMap{}, false
}
