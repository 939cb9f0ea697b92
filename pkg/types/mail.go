package types

import (
	"fmt"
	"time"
)

// FolderMap maps the five canonical folder roles to server folder names.
// Unset roles are empty strings. It is a value type; compare with ==.
type FolderMap struct {
	Inbox  string `json:"inbox"`
	Sent   string `json:"sent"`
	Drafts string `json:"drafts"`
	Trash  string `json:"trash"`
	Spam   string `json:"spam"`
}

// IsZero reports whether no role has been mapped.
func (m FolderMap) IsZero() bool {
	return m == FolderMap{}
}

// Folder is a single mailbox entry returned by a folder listing.
type Folder struct {
	Name       string   `json:"name"`
	Delimiter  string   `json:"delimiter,omitempty"`
	Attributes []string `json:"attributes,omitempty"`
}

// MessageHeader is the header-only view of a message. UIDs are strings
// so opaque or non-numeric server identifiers round-trip unchanged.
type MessageHeader struct {
	UID     string    `json:"uid"`
	Sender  string    `json:"sender"`
	Subject string    `json:"subject"`
	Date    time.Time `json:"date"`
	Flags   []string  `json:"flags,omitempty"`
}

// MessageBody holds the raw and decoded content of a message. A nil
// ProcessedAt means only the raw blob has been stored so far.
type MessageBody struct {
	AccountID        string     `json:"account_id"`
	Folder           string     `json:"folder"`
	UID              string     `json:"uid"`
	Text             string     `json:"text,omitempty"`
	HTML             string     `json:"html,omitempty"`
	HasAttachments   bool       `json:"has_attachments"`
	Size             int        `json:"size"`
	ContentType      string     `json:"content_type,omitempty"`
	Charset          string     `json:"charset,omitempty"`
	TransferEncoding string     `json:"transfer_encoding,omitempty"`
	IsMultipart      bool       `json:"is_multipart"`
	Raw              []byte     `json:"-"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
}

// Attachment is a single decoded attachment part. Checksum is the
// SHA-256 of the decoded bytes and serves as the dedup key: equal
// checksums mean identical content.
type Attachment struct {
	AccountID string `json:"account_id"`
	Folder    string `json:"folder"`
	UID       string `json:"uid"`
	PartID    string `json:"part_id"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	Size      int    `json:"size"`
	Data      []byte `json:"-"`
	ContentID string `json:"content_id,omitempty"`
	Inline    bool   `json:"inline"`
	Checksum  string `json:"checksum"`
}

// DraftAttachment is an attachment on an outgoing draft.
type DraftAttachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Draft is the payload of an outgoing message.
type Draft struct {
	From        string            `json:"from"`
	To          []string          `json:"to,omitempty"`
	Cc          []string          `json:"cc,omitempty"`
	Bcc         []string          `json:"bcc,omitempty"`
	Subject     string            `json:"subject"`
	Text        string            `json:"text,omitempty"`
	HTML        string            `json:"html,omitempty"`
	Attachments []DraftAttachment `json:"attachments,omitempty"`
}

// Recipients returns all envelope recipients across to/cc/bcc.
func (d Draft) Recipients() []string {
	out := make([]string, 0, len(d.To)+len(d.Cc)+len(d.Bcc))
	out = append(out, d.To...)
	out = append(out, d.Cc...)
	return append(out, d.Bcc...)
}

// Validate checks the minimum requirements for sending: at least one
// recipient anywhere and at least one non-empty body.
func (d Draft) Validate() error {
	if len(d.Recipients()) == 0 {
		return fmt.Errorf("draft has no recipients")
	}
	if d.Text == "" && d.HTML == "" {
		return fmt.Errorf("draft has no body")
	}
	return nil
}

// OutboxStatus is the lifecycle state of an outbox item.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxSending   OutboxStatus = "sending"
	OutboxSent      OutboxStatus = "sent"
	OutboxFailed    OutboxStatus = "failed"
	OutboxCancelled OutboxStatus = "cancelled"
)

// OutboxItem is one queued outgoing message. Items are retained after
// reaching a terminal status so delivery history stays visible.
type OutboxItem struct {
	ID          string       `json:"id"`
	AccountID   string       `json:"account_id"`
	CreatedAt   time.Time    `json:"created_at"`
	LastAttempt *time.Time   `json:"last_attempt,omitempty"`
	Attempts    int          `json:"attempts"`
	Status      OutboxStatus `json:"status"`
	LastError   string       `json:"last_error,omitempty"`
	Draft       Draft        `json:"draft"`
}

// RetryKey scopes backoff state to one destination host of one account.
// It is never persisted.
type RetryKey struct {
	AccountID string
	Host      string
}
