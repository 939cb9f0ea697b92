package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	c, err := NewCache(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return NewStore(c, logger)
}

func TestUpsertHeaderAndKnownUIDs(t *testing.T) {
	s := newTestStore(t)

	h := types.MessageHeader{
		UID:     "42",
		Sender:  "alice@example.com",
		Subject: "hello",
		Date:    time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC),
		Flags:   []string{`\Seen`},
	}
	require.NoError(t, s.UpsertHeader("acct", "INBOX", h))

	known, err := s.KnownUIDs("acct", "INBOX")
	require.NoError(t, err)
	assert.True(t, known["42"])
	assert.False(t, known["43"])

	// Upserting the same UID updates rather than duplicates.
	h.Subject = "hello again"
	require.NoError(t, s.UpsertHeader("acct", "INBOX", h))
	headers, err := s.Headers("acct", "INBOX")
	require.NoError(t, err)
	require.Len(t, headers, 1)
	assert.Equal(t, "hello again", headers[0].Subject)
	assert.Equal(t, []string{`\Seen`}, headers[0].Flags)
	assert.True(t, headers[0].Date.Equal(h.Date))
}

func TestKnownUIDsScopedByFolder(t *testing.T) {
	s := newTestStore(t)
	h := types.MessageHeader{UID: "1", Sender: "a@example.com", Date: time.Now()}
	require.NoError(t, s.UpsertHeader("acct", "INBOX", h))

	known, err := s.KnownUIDs("acct", "Archive")
	require.NoError(t, err)
	assert.Empty(t, known)
}

func TestSetFlagsOverwrites(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertHeader("acct", "INBOX", types.MessageHeader{
		UID: "5", Sender: "a@example.com", Date: time.Now(), Flags: []string{`\Seen`, `\Flagged`},
	}))

	require.NoError(t, s.SetFlags("acct", "INBOX", "5", []string{`\Seen`}))

	headers, err := s.Headers("acct", "INBOX")
	require.NoError(t, err)
	require.Len(t, headers, 1)
	assert.Equal(t, []string{`\Seen`}, headers[0].Flags)
}

func TestBodyRawThenProcessed(t *testing.T) {
	s := newTestStore(t)

	raw := []byte("Content-Type: text/plain\r\n\r\nraw only")
	require.NoError(t, s.PutBody(&types.MessageBody{
		AccountID: "acct", Folder: "INBOX", UID: "7", Raw: raw, Size: len(raw),
	}))

	body, err := s.GetBody("acct", "INBOX", "7")
	require.NoError(t, err)
	require.NotNil(t, body)
	assert.Nil(t, body.ProcessedAt)
	assert.Equal(t, raw, body.Raw)

	now := time.Now().UTC()
	require.NoError(t, s.PutBody(&types.MessageBody{
		AccountID: "acct", Folder: "INBOX", UID: "7",
		Raw: raw, Size: len(raw), Text: "raw only",
		ContentType: "text/plain", Charset: "utf-8", ProcessedAt: &now,
	}))

	body, err = s.GetBody("acct", "INBOX", "7")
	require.NoError(t, err)
	require.NotNil(t, body.ProcessedAt)
	assert.Equal(t, "raw only", body.Text)
	assert.Equal(t, "text/plain", body.ContentType)
}

func TestGetBodyMissReturnsNil(t *testing.T) {
	s := newTestStore(t)
	body, err := s.GetBody("acct", "INBOX", "nope")
	require.NoError(t, err)
	assert.Nil(t, body)
}

func TestMissingBodyUIDsPreservesOrder(t *testing.T) {
	s := newTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, s.PutBody(&types.MessageBody{
		AccountID: "acct", Folder: "INBOX", UID: "2",
		Raw: []byte("x"), Text: "x", ProcessedAt: &now,
	}))
	// Raw-only is still missing: the processed form is what counts.
	require.NoError(t, s.PutBody(&types.MessageBody{
		AccountID: "acct", Folder: "INBOX", UID: "3", Raw: []byte("y"),
	}))

	missing, err := s.MissingBodyUIDs("acct", "INBOX", []string{"1", "2", "3", "4"})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "3", "4"}, missing)
}

func TestAttachmentRoundTrip(t *testing.T) {
	s := newTestStore(t)

	data := []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a}
	sum := sha256.Sum256(data)
	att := &types.Attachment{
		AccountID: "acct", Folder: "INBOX", UID: "9",
		PartID: "1.1", Filename: "pic.png", MimeType: "image/png",
		Size: len(data), Data: data, Checksum: hex.EncodeToString(sum[:]),
	}
	require.NoError(t, s.PutAttachment(att))

	got, err := s.Attachments("acct", "INBOX", "9")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "pic.png", got[0].Filename)
	assert.Equal(t, data, got[0].Data)
	assert.Equal(t, att.Checksum, got[0].Checksum)
}

func TestDeleteMessageRemovesEverything(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertHeader("acct", "INBOX", types.MessageHeader{
		UID: "8", Sender: "a@example.com", Date: time.Now(),
	}))
	require.NoError(t, s.PutBody(&types.MessageBody{
		AccountID: "acct", Folder: "INBOX", UID: "8", Raw: []byte("z"),
	}))
	require.NoError(t, s.PutAttachment(&types.Attachment{
		AccountID: "acct", Folder: "INBOX", UID: "8", PartID: "1", Data: []byte("z"),
	}))

	require.NoError(t, s.DeleteMessage("acct", "INBOX", "8"))

	known, err := s.KnownUIDs("acct", "INBOX")
	require.NoError(t, err)
	assert.Empty(t, known)
	body, err := s.GetBody("acct", "INBOX", "8")
	require.NoError(t, err)
	assert.Nil(t, body)
	atts, err := s.Attachments("acct", "INBOX", "8")
	require.NoError(t, err)
	assert.Empty(t, atts)
}

func TestOutboxLifecycle(t *testing.T) {
	s := newTestStore(t)

	item := &types.OutboxItem{
		ID:        "item-1",
		AccountID: "acct",
		CreatedAt: time.Now().UTC(),
		Status:    types.OutboxPending,
		Draft:     types.Draft{To: []string{"x@example.com"}, Text: "hi"},
	}
	require.NoError(t, s.Enqueue(item))

	next, err := s.NextReady("acct")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "item-1", next.ID)

	require.NoError(t, s.MarkSending("item-1"))
	got, err := s.GetOutboxItem("item-1")
	require.NoError(t, err)
	assert.Equal(t, types.OutboxSending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastAttempt)

	require.NoError(t, s.MarkFailed("item-1", "connection refused"))
	got, err = s.GetOutboxItem("item-1")
	require.NoError(t, err)
	assert.Equal(t, types.OutboxFailed, got.Status)
	assert.Equal(t, "connection refused", got.LastError)
	assert.Equal(t, "hi", got.Draft.Text)

	require.NoError(t, s.RetryItem("item-1"))
	require.NoError(t, s.MarkSending("item-1"))
	require.NoError(t, s.MarkSent("item-1"))
	got, err = s.GetOutboxItem("item-1")
	require.NoError(t, err)
	assert.Equal(t, types.OutboxSent, got.Status)
	assert.Equal(t, 2, got.Attempts)

	// Terminal: no further transitions allowed.
	assert.Error(t, s.MarkSending("item-1"))
	assert.Error(t, s.RetryItem("item-1"))
}

func TestNextReadyOrdersByEnqueueTime(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().UTC()
	for i, id := range []string{"b", "a", "c"} {
		require.NoError(t, s.Enqueue(&types.OutboxItem{
			ID: id, AccountID: "acct",
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
			Status:    types.OutboxPending,
			Draft:     types.Draft{To: []string{"x@example.com"}, Text: "hi"},
		}))
	}

	next, err := s.NextReady("acct")
	require.NoError(t, err)
	assert.Equal(t, "b", next.ID)
}

func TestNextReadyNilWhenEmpty(t *testing.T) {
	s := newTestStore(t)
	next, err := s.NextReady("acct")
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestCancelFromFailed(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Enqueue(&types.OutboxItem{
		ID: "x", AccountID: "acct", CreatedAt: time.Now().UTC(),
		Status: types.OutboxPending,
		Draft:  types.Draft{To: []string{"x@example.com"}, Text: "hi"},
	}))
	require.NoError(t, s.MarkSending("x"))
	require.NoError(t, s.MarkFailed("x", "boom"))
	require.NoError(t, s.MarkCancelled("x"))

	got, err := s.GetOutboxItem("x")
	require.NoError(t, err)
	assert.Equal(t, types.OutboxCancelled, got.Status)
	assert.Error(t, s.RetryItem("x"))
}

func TestCancelFromAnyState(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Enqueue(&types.OutboxItem{
		ID: "y", AccountID: "acct", CreatedAt: time.Now().UTC(),
		Status: types.OutboxPending,
		Draft:  types.Draft{To: []string{"x@example.com"}, Text: "hi"},
	}))
	require.NoError(t, s.MarkSending("y"))
	require.NoError(t, s.MarkSent("y"))

	// Even a sent item can be cancelled, and cancel is idempotent.
	require.NoError(t, s.MarkCancelled("y"))
	require.NoError(t, s.MarkCancelled("y"))

	got, err := s.GetOutboxItem("y")
	require.NoError(t, err)
	assert.Equal(t, types.OutboxCancelled, got.Status)
}

func TestUpsertFolder(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertFolder("acct", "INBOX", "inbox"))
	require.NoError(t, s.UpsertFolder("acct", "INBOX", "inbox"))
	require.NoError(t, s.UpsertFolder("acct", "Gesendet", "sent"))
}
