package sync

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/imapx"
	"github.com/brandon/mailsync/internal/smtpx"
	"github.com/brandon/mailsync/pkg/types"
)

type fakeSession struct {
	mu       sync.Mutex
	uids     []string
	headers  map[string]types.MessageHeader
	flags    map[string][]string
	bodies   map[string][]byte
	appended map[string][][]byte
	stored   []storeCall
	expunged bool

	// fetchAll mimics servers that answer a UID fetch with every
	// message instead of the requested subset.
	fetchAll bool

	searchErr error
	storeErr  error
	appendErr error
}

type storeCall struct {
	uids  []string
	flags []string
	mode  imapx.FlagMode
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		headers:  make(map[string]types.MessageHeader),
		flags:    make(map[string][]string),
		bodies:   make(map[string][]byte),
		appended: make(map[string][][]byte),
	}
}

func (s *fakeSession) Login(ctx context.Context, username, password string) error { return nil }
func (s *fakeSession) ListSpecialUse(ctx context.Context) ([]types.Folder, error) {
	return nil, errors.New("not implemented")
}
func (s *fakeSession) ListAll(ctx context.Context, maxLines, maxBytes int) ([]types.Folder, error) {
	return nil, errors.New("not implemented")
}
func (s *fakeSession) Select(ctx context.Context, folder string) error { return nil }

func (s *fakeSession) SearchAll(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	return append([]string(nil), s.uids...), nil
}

func (s *fakeSession) FetchHeaders(ctx context.Context, uids []string) ([]types.MessageHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchAll {
		uids = s.uids
	}
	var out []types.MessageHeader
	for _, uid := range uids {
		if h, ok := s.headers[uid]; ok {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *fakeSession) FetchFlags(ctx context.Context, uids []string) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string)
	for _, uid := range uids {
		if f, ok := s.flags[uid]; ok {
			out[uid] = append([]string(nil), f...)
		}
	}
	return out, nil
}

func (s *fakeSession) FetchBody(ctx context.Context, uid string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.bodies[uid]
	if !ok {
		return nil, errors.New("no such message")
	}
	return raw, nil
}

func (s *fakeSession) Store(ctx context.Context, uids []string, flags []string, mode imapx.FlagMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return s.storeErr
	}
	s.stored = append(s.stored, storeCall{uids: uids, flags: flags, mode: mode})
	return nil
}

func (s *fakeSession) Expunge(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expunged = true
	return nil
}

func (s *fakeSession) Append(ctx context.Context, folder string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.appended[folder] = append(s.appended[folder], raw)
	return nil
}

func (s *fakeSession) Logout() error { return nil }
func (s *fakeSession) Close() error  { return nil }

type fakeDialer struct {
	session *fakeSession
	err     error
}

func (d *fakeDialer) Dial(ctx context.Context, params imapx.ConnectParams) (imapx.Session, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.session, nil
}

type fakeSMTP struct {
	mu   sync.Mutex
	sent [][]byte
	rcpt [][]string
	err  error
}

func (c *fakeSMTP) Send(ctx context.Context, raw []byte, cfg smtpx.SendConfig, recipients []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, raw)
	c.rcpt = append(c.rcpt, recipients)
	return nil
}

type fakeFolders struct {
	fm types.FolderMap
	ok bool
}

func (f *fakeFolders) Cached(accountID string) (types.FolderMap, bool) { return f.fm, f.ok }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testStore(t *testing.T) *cache.Store {
	t.Helper()
	logger := testLogger()
	c, err := cache.NewCache(filepath.Join(t.TempDir(), "sync.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return cache.NewStore(c, logger)
}

func testAccount() Account {
	return Account{
		ID:   "acct-1",
		IMAP: imapx.ConnectParams{Host: "imap.example.com", Port: 993, Username: "a", Password: "b"},
		SMTP: smtpx.SendConfig{Host: "smtp.example.com", Port: 587, Username: "a@example.com"},
	}
}

func newTestEngine(t *testing.T, sess *fakeSession, smtp *fakeSMTP, folders *fakeFolders) (*Engine, *cache.Store) {
	store := testStore(t)
	if smtp == nil {
		smtp = &fakeSMTP{}
	}
	if folders == nil {
		folders = &fakeFolders{}
	}
	eng := NewEngine(&fakeDialer{session: sess}, store, smtp, folders, testLogger())
	eng.BatchPause = 0
	return eng, store
}

func TestSyncHeadersFetchesUnseen(t *testing.T) {
	sess := newFakeSession()
	sess.uids = []string{"1", "2", "3", "4", "5"}
	for _, uid := range sess.uids {
		sess.headers[uid] = types.MessageHeader{
			UID:     uid,
			Sender:  "alice@example.com",
			Subject: "msg " + uid,
			Date:    time.Now().UTC(),
			Flags:   []string{`\Seen`},
		}
	}
	eng, store := newTestEngine(t, sess, nil, nil)

	res, err := eng.SyncHeaders(context.Background(), testAccount(), "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 5, res.New)

	known, err := store.KnownUIDs("acct-1", "INBOX")
	require.NoError(t, err)
	assert.Len(t, known, 5)
}

func TestSyncHeadersNoopWhenUpToDate(t *testing.T) {
	sess := newFakeSession()
	sess.uids = []string{"7"}
	sess.headers["7"] = types.MessageHeader{UID: "7", Sender: "x@example.com", Date: time.Now()}
	eng, _ := newTestEngine(t, sess, nil, nil)
	acct := testAccount()

	res, err := eng.SyncHeaders(context.Background(), acct, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 1, res.New)

	res, err = eng.SyncHeaders(context.Background(), acct, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 0, res.New)
}

func TestSyncHeadersCountsOverwritesAsUpdated(t *testing.T) {
	sess := newFakeSession()
	sess.fetchAll = true
	sess.uids = []string{"1", "2"}
	for _, uid := range sess.uids {
		sess.headers[uid] = types.MessageHeader{UID: uid, Sender: "a@example.com", Date: time.Now()}
	}
	eng, _ := newTestEngine(t, sess, nil, nil)
	acct := testAccount()

	res, err := eng.SyncHeaders(context.Background(), acct, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 2, res.New)
	assert.Equal(t, 0, res.Updated)

	// A new message appears; the over-broad fetch re-delivers the two
	// known headers alongside it.
	sess.mu.Lock()
	sess.uids = append(sess.uids, "3")
	sess.headers["3"] = types.MessageHeader{UID: "3", Sender: "a@example.com", Date: time.Now()}
	sess.mu.Unlock()

	res, err = eng.SyncHeaders(context.Background(), acct, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 1, res.New)
	assert.Equal(t, 2, res.Updated)
}

func TestSyncFlagsOverwritesLocal(t *testing.T) {
	sess := newFakeSession()
	sess.flags["3"] = []string{`\Seen`, `\Flagged`}
	eng, store := newTestEngine(t, sess, nil, nil)
	acct := testAccount()

	require.NoError(t, store.UpsertHeader(acct.ID, "INBOX", types.MessageHeader{
		UID: "3", Sender: "x@example.com", Date: time.Now(),
	}))
	require.NoError(t, eng.SyncFlags(context.Background(), acct, "INBOX", []string{"3"}))

	headers, err := store.Headers(acct.ID, "INBOX")
	require.NoError(t, err)
	require.Len(t, headers, 1)
	assert.ElementsMatch(t, []string{`\Seen`, `\Flagged`}, headers[0].Flags)
}

func TestFetchBodyDecodesAndCaches(t *testing.T) {
	raw := []byte("From: a@example.com\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"hello body\r\n")
	sess := newFakeSession()
	sess.bodies["9"] = raw
	eng, _ := newTestEngine(t, sess, nil, nil)
	acct := testAccount()

	body, err := eng.FetchBody(context.Background(), acct, "INBOX", "9")
	require.NoError(t, err)
	assert.Contains(t, body.Text, "hello body")
	require.NotNil(t, body.ProcessedAt)

	// Second call is served from storage even if the server forgets it.
	sess.mu.Lock()
	delete(sess.bodies, "9")
	sess.mu.Unlock()
	again, err := eng.FetchBody(context.Background(), acct, "INBOX", "9")
	require.NoError(t, err)
	assert.Equal(t, body.Text, again.Text)
}

func TestFetchBodiesMergesCachedAndFresh(t *testing.T) {
	sess := newFakeSession()
	sess.bodies["1"] = []byte("Content-Type: text/plain\r\n\r\nfirst")
	sess.bodies["2"] = []byte("Content-Type: text/plain\r\n\r\nsecond")
	sess.bodies["3"] = []byte("Content-Type: text/plain\r\n\r\nthird")
	eng, _ := newTestEngine(t, sess, nil, nil)
	acct := testAccount()

	_, err := eng.FetchBody(context.Background(), acct, "INBOX", "2")
	require.NoError(t, err)

	bodies, err := eng.FetchBodies(context.Background(), acct, "INBOX", []string{"1", "2", "3"})
	require.NoError(t, err)
	require.Len(t, bodies, 3)
	assert.Equal(t, "1", bodies[0].UID)
	assert.Equal(t, "2", bodies[1].UID)
	assert.Equal(t, "3", bodies[2].UID)
}

func TestFetchBodiesSkipsFailedUIDs(t *testing.T) {
	sess := newFakeSession()
	sess.bodies["1"] = []byte("Content-Type: text/plain\r\n\r\nok")
	// UID "2" missing on the server.
	eng, _ := newTestEngine(t, sess, nil, nil)

	bodies, err := eng.FetchBodies(context.Background(), testAccount(), "INBOX", []string{"1", "2"})
	require.NoError(t, err)
	require.Len(t, bodies, 1)
	assert.Equal(t, "1", bodies[0].UID)
}

func TestPushFlagsServerWins(t *testing.T) {
	sess := newFakeSession()
	// Server reports only \Seen after the store round trip.
	sess.flags["4"] = []string{`\Seen`}
	eng, store := newTestEngine(t, sess, nil, nil)
	acct := testAccount()

	require.NoError(t, store.UpsertHeader(acct.ID, "INBOX", types.MessageHeader{
		UID: "4", Sender: "x@example.com", Date: time.Now(), Flags: []string{`\Flagged`},
	}))

	err := eng.PushFlags(context.Background(), acct, "INBOX", []FlagChange{
		{UIDs: []string{"4"}, Flags: []string{`\Answered`}, Mode: imapx.AddFlags},
	})
	require.NoError(t, err)

	headers, err := store.Headers(acct.ID, "INBOX")
	require.NoError(t, err)
	require.Len(t, headers, 1)
	assert.Equal(t, []string{`\Seen`}, headers[0].Flags)
}

func TestPushFlagsContinuesPastStoreFailure(t *testing.T) {
	sess := newFakeSession()
	sess.storeErr = errors.New("NO store rejected")
	sess.flags["4"] = []string{`\Seen`}
	eng, store := newTestEngine(t, sess, nil, nil)
	acct := testAccount()

	require.NoError(t, store.UpsertHeader(acct.ID, "INBOX", types.MessageHeader{
		UID: "4", Sender: "x@example.com", Date: time.Now(),
	}))

	// The push fails per-change but the reconciling fetch still runs.
	err := eng.PushFlags(context.Background(), acct, "INBOX", []FlagChange{
		{UIDs: []string{"4"}, Flags: []string{`\Answered`}, Mode: imapx.AddFlags},
	})
	require.NoError(t, err)

	headers, err := store.Headers(acct.ID, "INBOX")
	require.NoError(t, err)
	require.Len(t, headers, 1)
	assert.Equal(t, []string{`\Seen`}, headers[0].Flags)
}

func TestDeleteMessagesPurgesLocal(t *testing.T) {
	sess := newFakeSession()
	eng, store := newTestEngine(t, sess, nil, nil)
	acct := testAccount()

	require.NoError(t, store.UpsertHeader(acct.ID, "Trash", types.MessageHeader{
		UID: "11", Sender: "x@example.com", Date: time.Now(),
	}))

	require.NoError(t, eng.DeleteMessages(context.Background(), acct, "Trash", []string{"11"}, true))

	known, err := store.KnownUIDs(acct.ID, "Trash")
	require.NoError(t, err)
	assert.Empty(t, known)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	require.Len(t, sess.stored, 1)
	assert.Equal(t, []string{`\Deleted`}, sess.stored[0].flags)
	assert.True(t, sess.expunged)
}

func TestSendMailAppendsToSent(t *testing.T) {
	sess := newFakeSession()
	smtp := &fakeSMTP{}
	folders := &fakeFolders{fm: types.FolderMap{Sent: "Sent"}, ok: true}
	eng, _ := newTestEngine(t, sess, smtp, folders)

	draft := types.Draft{
		From:    "me@example.com",
		To:      []string{"you@example.com"},
		Subject: "hi",
		Text:    "hello",
	}
	require.NoError(t, eng.SendMail(context.Background(), testAccount(), draft))

	require.Len(t, smtp.sent, 1)
	assert.Equal(t, []string{"you@example.com"}, smtp.rcpt[0])
	assert.Len(t, sess.appended["Sent"], 1)
}

func TestSendMailRejectsInvalidDraft(t *testing.T) {
	smtp := &fakeSMTP{}
	eng, _ := newTestEngine(t, newFakeSession(), smtp, nil)

	err := eng.SendMail(context.Background(), testAccount(), types.Draft{Text: "orphan"})
	require.Error(t, err)
	assert.Empty(t, smtp.sent)
}

func TestSendMailAppendFailureIsNonFatal(t *testing.T) {
	sess := newFakeSession()
	sess.appendErr = errors.New("NO append denied")
	smtp := &fakeSMTP{}
	folders := &fakeFolders{fm: types.FolderMap{Sent: "Sent"}, ok: true}
	eng, _ := newTestEngine(t, sess, smtp, folders)

	draft := types.Draft{
		From: "me@example.com",
		To:   []string{"you@example.com"},
		Text: "hello",
	}
	require.NoError(t, eng.SendMail(context.Background(), testAccount(), draft))
	assert.Len(t, smtp.sent, 1)
}

func TestSyncHeadersDialFailure(t *testing.T) {
	store := testStore(t)
	eng := NewEngine(&fakeDialer{err: errors.New("connection refused")}, store, &fakeSMTP{}, &fakeFolders{}, testLogger())

	_, err := eng.SyncHeaders(context.Background(), testAccount(), "INBOX")
	assert.Error(t, err)
}
