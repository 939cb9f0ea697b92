// Package sync orchestrates header, flag and body synchronization
// between the IMAP server and local storage, plus outbound send with
// Sent-folder reconciliation.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/brandon/mailsync/internal/imapx"
	"github.com/brandon/mailsync/internal/mime"
	"github.com/brandon/mailsync/internal/smtpx"
	"github.com/brandon/mailsync/pkg/types"
)

// Account bundles the identifiers and connection parameters the engine
// needs for one account.
type Account struct {
	ID   string
	IMAP imapx.ConnectParams
	SMTP smtpx.SendConfig
}

// Storage is the structured-storage capability the engine writes
// through. The store must serialize writes per (account, folder, uid).
type Storage interface {
	UpsertHeader(accountID, folder string, h types.MessageHeader) error
	KnownUIDs(accountID, folder string) (map[string]bool, error)
	SetFlags(accountID, folder, uid string, flags []string) error
	GetBody(accountID, folder, uid string) (*types.MessageBody, error)
	PutBody(b *types.MessageBody) error
	MissingBodyUIDs(accountID, folder string, uids []string) ([]string, error)
	PutAttachment(a *types.Attachment) error
	DeleteMessage(accountID, folder, uid string) error
}

// FolderSource exposes the discovery coordinator's cached folder map.
type FolderSource interface {
	Cached(accountID string) (types.FolderMap, bool)
}

// HeaderResult reports what a header sync changed.
type HeaderResult struct {
	New     int
	Updated int
}

// FlagChange is one flag mutation to push to the server.
type FlagChange struct {
	UIDs  []string
	Flags []string
	Mode  imapx.FlagMode
}

// Engine runs sync operations for any number of accounts. Per-item
// failures are logged and skipped; only whole-operation failures are
// returned.
type Engine struct {
	dialer  imapx.Dialer
	store   Storage
	decoder *mime.Decoder
	smtp    smtpx.Client
	folders FolderSource
	logger  *logrus.Logger

	// BatchSize bounds one body-fetch batch; BatchPause spaces batches
	// out so bulk downloads do not hammer the server.
	BatchSize  int
	BatchPause time.Duration
}

// NewEngine creates a sync engine.
func NewEngine(dialer imapx.Dialer, store Storage, smtp smtpx.Client, folders FolderSource, logger *logrus.Logger) *Engine {
	return &Engine{
		dialer:     dialer,
		store:      store,
		decoder:    mime.NewDecoder(),
		smtp:       smtp,
		folders:    folders,
		logger:     logger,
		BatchSize:  10,
		BatchPause: 250 * time.Millisecond,
	}
}

// withSession dials, logs in, optionally selects a folder, runs fn and
// tears the session down.
func (e *Engine) withSession(ctx context.Context, acct Account, folder string, fn func(imapx.Session) error) error {
	sess, err := e.dialer.Dial(ctx, acct.IMAP)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Logout(); err != nil {
			sess.Close() //nolint:errcheck
		}
	}()
	if err := sess.Login(ctx, acct.IMAP.Username, acct.IMAP.Password); err != nil {
		return err
	}
	if folder != "" {
		if err := sess.Select(ctx, folder); err != nil {
			return err
		}
	}
	return fn(sess)
}

// SyncHeaders fetches headers for every server UID not yet known
// locally. An empty unseen set is a no-op.
func (e *Engine) SyncHeaders(ctx context.Context, acct Account, folder string) (HeaderResult, error) {
	var result HeaderResult
	err := e.withSession(ctx, acct, folder, func(sess imapx.Session) error {
		serverUIDs, err := sess.SearchAll(ctx)
		if err != nil {
			return err
		}
		known, err := e.store.KnownUIDs(acct.ID, folder)
		if err != nil {
			return err
		}

		var unseen []string
		for _, uid := range serverUIDs {
			if !known[uid] {
				unseen = append(unseen, uid)
			}
		}
		if len(unseen) == 0 {
			return nil
		}

		headers, err := sess.FetchHeaders(ctx, unseen)
		if err != nil {
			return err
		}
		for _, h := range headers {
			if err := e.store.UpsertHeader(acct.ID, folder, h); err != nil {
				e.logger.WithError(err).WithFields(logrus.Fields{
					"folder": folder, "uid": h.UID,
				}).Warn("Failed to store header")
				continue
			}
			// Servers may answer a UID fetch with more than the
			// requested set; those rows overwrite existing headers.
			if known[h.UID] {
				result.Updated++
			} else {
				result.New++
			}
		}
		return nil
	})
	if err != nil {
		return HeaderResult{}, fmt.Errorf("header sync failed for %s: %w", folder, err)
	}

	e.logger.WithFields(logrus.Fields{
		"account": acct.ID,
		"folder":  folder,
		"new":     result.New,
		"updated": result.Updated,
	}).Info("Synced headers")
	return result, nil
}

// SyncFlags re-fetches only the flag field for the given UIDs and
// overwrites local flags, leaving header content and bodies untouched.
func (e *Engine) SyncFlags(ctx context.Context, acct Account, folder string, uids []string) error {
	if len(uids) == 0 {
		return nil
	}
	return e.withSession(ctx, acct, folder, func(sess imapx.Session) error {
		flags, err := sess.FetchFlags(ctx, uids)
		if err != nil {
			return err
		}
		for uid, f := range flags {
			if err := e.store.SetFlags(acct.ID, folder, uid, f); err != nil {
				e.logger.WithError(err).WithField("uid", uid).Warn("Failed to store flags")
			}
		}
		return nil
	})
}

// FetchBody returns the processed body for one message, fetching and
// decoding it on a cache miss. Repeated calls for a processed UID are
// served from storage.
func (e *Engine) FetchBody(ctx context.Context, acct Account, folder, uid string) (*types.MessageBody, error) {
	if body, err := e.store.GetBody(acct.ID, folder, uid); err == nil && body != nil && body.ProcessedAt != nil {
		return body, nil
	}

	var body *types.MessageBody
	err := e.withSession(ctx, acct, folder, func(sess imapx.Session) error {
		var err error
		body, err = e.fetchAndProcess(ctx, sess, acct.ID, folder, uid)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("body fetch failed for uid %s: %w", uid, err)
	}
	return body, nil
}

// fetchAndProcess downloads raw bytes, runs the MIME pipeline and
// persists both the raw and processed forms plus extracted
// attachments.
func (e *Engine) fetchAndProcess(ctx context.Context, sess imapx.Session, accountID, folder, uid string) (*types.MessageBody, error) {
	raw, err := sess.FetchBody(ctx, uid)
	if err != nil {
		return nil, err
	}

	res := e.decoder.Decode(raw, mime.Hint{})
	for _, w := range res.Warnings {
		e.logger.WithFields(logrus.Fields{"uid": uid, "warning": w}).Debug("Decode warning")
	}

	now := time.Now().UTC()
	body := &types.MessageBody{
		AccountID:        accountID,
		Folder:           folder,
		UID:              uid,
		Text:             res.Text,
		HTML:             res.HTML,
		HasAttachments:   len(res.Attachments) > 0,
		Size:             len(raw),
		ContentType:      res.ContentType,
		Charset:          res.Charset,
		TransferEncoding: res.TransferEncoding,
		IsMultipart:      res.IsMultipart,
		Raw:              raw,
		ProcessedAt:      &now,
	}
	if err := e.store.PutBody(body); err != nil {
		return nil, err
	}
	for i := range res.Attachments {
		att := res.Attachments[i]
		att.AccountID = accountID
		att.Folder = folder
		att.UID = uid
		if err := e.store.PutAttachment(&att); err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"uid": uid, "part": att.PartID,
			}).Warn("Failed to store attachment")
		}
	}
	return body, nil
}

// FetchBodies fetches any unprocessed bodies in the requested set in
// bounded parallel batches and returns all requested bodies, merging
// cache hits with fresh downloads.
func (e *Engine) FetchBodies(ctx context.Context, acct Account, folder string, uids []string) ([]*types.MessageBody, error) {
	missing, err := e.store.MissingBodyUIDs(acct.ID, folder, uids)
	if err != nil {
		return nil, err
	}

	if len(missing) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(3)
		for start := 0; start < len(missing); start += e.BatchSize {
			end := start + e.BatchSize
			if end > len(missing) {
				end = len(missing)
			}
			batch := missing[start:end]
			g.Go(func() error {
				return e.withSession(gctx, acct, folder, func(sess imapx.Session) error {
					for _, uid := range batch {
						if _, err := e.fetchAndProcess(gctx, sess, acct.ID, folder, uid); err != nil {
							e.logger.WithError(err).WithField("uid", uid).Warn("Failed to fetch body")
						}
					}
					return nil
				})
			})
			if start+e.BatchSize < len(missing) {
				select {
				case <-time.After(e.BatchPause):
				case <-gctx.Done():
				}
			}
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	bodies := make([]*types.MessageBody, 0, len(uids))
	for _, uid := range uids {
		body, err := e.store.GetBody(acct.ID, folder, uid)
		if err != nil {
			e.logger.WithError(err).WithField("uid", uid).Warn("Failed to load body")
			continue
		}
		if body != nil {
			bodies = append(bodies, body)
		}
	}
	return bodies, nil
}

// PushFlags applies flag changes to the server, continuing past
// individual failures, then re-reads server flags for the touched UIDs
// and overwrites local state. The server always wins after the round
// trip.
func (e *Engine) PushFlags(ctx context.Context, acct Account, folder string, changes []FlagChange) error {
	if len(changes) == 0 {
		return nil
	}
	return e.withSession(ctx, acct, folder, func(sess imapx.Session) error {
		uidSet := make(map[string]bool)
		for _, change := range changes {
			if err := sess.Store(ctx, change.UIDs, change.Flags, change.Mode); err != nil {
				e.logger.WithError(err).WithField("folder", folder).Warn("Failed to push flag change")
			}
			for _, uid := range change.UIDs {
				uidSet[uid] = true
			}
		}

		uids := make([]string, 0, len(uidSet))
		for uid := range uidSet {
			uids = append(uids, uid)
		}
		flags, err := sess.FetchFlags(ctx, uids)
		if err != nil {
			return err
		}
		for uid, f := range flags {
			if err := e.store.SetFlags(acct.ID, folder, uid, f); err != nil {
				e.logger.WithError(err).WithField("uid", uid).Warn("Failed to store flags")
			}
		}
		return nil
	})
}

// DeleteMessages flags UIDs deleted server-side, optionally expunges,
// and removes local rows regardless of the expunge outcome.
func (e *Engine) DeleteMessages(ctx context.Context, acct Account, folder string, uids []string, expunge bool) error {
	err := e.withSession(ctx, acct, folder, func(sess imapx.Session) error {
		if err := sess.Store(ctx, uids, []string{`\Deleted`}, imapx.AddFlags); err != nil {
			return err
		}
		if expunge {
			if err := sess.Expunge(ctx); err != nil {
				e.logger.WithError(err).WithField("folder", folder).Warn("Expunge failed")
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, uid := range uids {
		if err := e.store.DeleteMessage(acct.ID, folder, uid); err != nil {
			e.logger.WithError(err).WithField("uid", uid).Warn("Failed to delete local message")
		}
	}
	return nil
}

// SendMail validates and composes the draft, delivers it over SMTP,
// then appends a copy to the Sent folder so it becomes locally
// visible. Append failures degrade to a Sent-folder header re-sync.
func (e *Engine) SendMail(ctx context.Context, acct Account, draft types.Draft) error {
	if err := draft.Validate(); err != nil {
		return err
	}
	if draft.From == "" {
		draft.From = acct.SMTP.Sender()
	}

	raw, err := mime.Encode(draft)
	if err != nil {
		return fmt.Errorf("failed to compose message: %w", err)
	}
	if err := e.smtp.Send(ctx, raw, acct.SMTP, draft.Recipients()); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	fm, ok := e.folders.Cached(acct.ID)
	if !ok || fm.Sent == "" {
		e.logger.WithField("account", acct.ID).Debug("No Sent folder mapped, skipping reconcile")
		return nil
	}
	if err := e.withSession(ctx, acct, "", func(sess imapx.Session) error {
		return sess.Append(ctx, fm.Sent, raw)
	}); err != nil {
		e.logger.WithError(err).WithField("folder", fm.Sent).Warn("Append to Sent failed, re-syncing headers")
		if _, err := e.SyncHeaders(ctx, acct, fm.Sent); err != nil {
			e.logger.WithError(err).Warn("Sent folder re-sync failed")
		}
	}
	return nil
}
