package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/pkg/types"
)

// Store provides methods for storing and retrieving mail state from
// the cache. Message rows are keyed by (account, folder, uid).
type Store struct {
	cache  *Cache
	logger *logrus.Logger
}

// NewStore creates a new store instance
func NewStore(cache *Cache, logger *logrus.Logger) *Store {
	return &Store{
		cache:  cache,
		logger: logger,
	}
}

// UpsertFolder upserts a folder and its mapped role.
func (s *Store) UpsertFolder(accountID, name, role string) error {
	query := `
		INSERT INTO folders (account_id, name, role, last_synced)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account_id, name) DO UPDATE SET
			role = excluded.role,
			last_synced = CURRENT_TIMESTAMP
	`
	if _, err := s.cache.DB().Exec(query, accountID, name, role); err != nil {
		return fmt.Errorf("failed to upsert folder: %w", err)
	}
	return nil
}

// UpsertHeader upserts a message header.
func (s *Store) UpsertHeader(accountID, folder string, h types.MessageHeader) error {
	flagsJSON, err := json.Marshal(h.Flags)
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}
	query := `
		INSERT INTO headers (account_id, folder, uid, sender, subject, date, flags)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, folder, uid) DO UPDATE SET
			sender = excluded.sender,
			subject = excluded.subject,
			date = excluded.date,
			flags = excluded.flags,
			synced_at = CURRENT_TIMESTAMP
	`
	_, err = s.cache.DB().Exec(query, accountID, folder, h.UID, h.Sender, h.Subject,
		h.Date.UTC().Format(time.RFC3339), string(flagsJSON))
	if err != nil {
		return fmt.Errorf("failed to upsert header: %w", err)
	}
	return nil
}

// Headers lists all stored headers for a folder.
func (s *Store) Headers(accountID, folder string) ([]types.MessageHeader, error) {
	rows, err := s.cache.DB().Query(`
		SELECT uid, sender, subject, date, flags
		FROM headers WHERE account_id = ? AND folder = ?
		ORDER BY date DESC
	`, accountID, folder)
	if err != nil {
		return nil, fmt.Errorf("failed to query headers: %w", err)
	}
	defer rows.Close()

	var headers []types.MessageHeader
	for rows.Next() {
		var h types.MessageHeader
		var dateStr, flagsJSON string
		if err := rows.Scan(&h.UID, &h.Sender, &h.Subject, &dateStr, &flagsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan header: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, dateStr); err == nil {
			h.Date = t
		}
		if err := json.Unmarshal([]byte(flagsJSON), &h.Flags); err != nil {
			s.logger.WithError(err).WithField("uid", h.UID).Warn("Failed to unmarshal flags")
		}
		headers = append(headers, h)
	}
	return headers, rows.Err()
}

// KnownUIDs returns the set of UIDs already stored for a folder.
func (s *Store) KnownUIDs(accountID, folder string) (map[string]bool, error) {
	rows, err := s.cache.DB().Query(
		"SELECT uid FROM headers WHERE account_id = ? AND folder = ?", accountID, folder)
	if err != nil {
		return nil, fmt.Errorf("failed to query known uids: %w", err)
	}
	defer rows.Close()

	known := make(map[string]bool)
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("failed to scan uid: %w", err)
		}
		known[uid] = true
	}
	return known, rows.Err()
}

// SetFlags overwrites the stored flag set for one message.
func (s *Store) SetFlags(accountID, folder, uid string, flags []string) error {
	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}
	_, err = s.cache.DB().Exec(`
		UPDATE headers SET flags = ?, synced_at = CURRENT_TIMESTAMP
		WHERE account_id = ? AND folder = ? AND uid = ?
	`, string(flagsJSON), accountID, folder, uid)
	if err != nil {
		return fmt.Errorf("failed to set flags: %w", err)
	}
	return nil
}

// PutBody upserts a message body, raw or processed.
func (s *Store) PutBody(b *types.MessageBody) error {
	var processedAt interface{}
	if b.ProcessedAt != nil {
		processedAt = b.ProcessedAt.UTC().Format(time.RFC3339)
	}
	query := `
		INSERT INTO bodies (account_id, folder, uid, text, html, has_attachments, size,
			content_type, charset, transfer_encoding, is_multipart, raw, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, folder, uid) DO UPDATE SET
			text = excluded.text,
			html = excluded.html,
			has_attachments = excluded.has_attachments,
			size = excluded.size,
			content_type = excluded.content_type,
			charset = excluded.charset,
			transfer_encoding = excluded.transfer_encoding,
			is_multipart = excluded.is_multipart,
			raw = excluded.raw,
			processed_at = excluded.processed_at
	`
	_, err := s.cache.DB().Exec(query, b.AccountID, b.Folder, b.UID, b.Text, b.HTML,
		boolInt(b.HasAttachments), b.Size, b.ContentType, b.Charset, b.TransferEncoding,
		boolInt(b.IsMultipart), b.Raw, processedAt)
	if err != nil {
		return fmt.Errorf("failed to put body: %w", err)
	}
	return nil
}

// GetBody returns the stored body for a message, or nil when none
// exists yet.
func (s *Store) GetBody(accountID, folder, uid string) (*types.MessageBody, error) {
	b := &types.MessageBody{AccountID: accountID, Folder: folder, UID: uid}
	var hasAtt, isMulti int
	var processedAt sql.NullString
	var text, html, contentType, charset, transferEncoding sql.NullString
	err := s.cache.DB().QueryRow(`
		SELECT text, html, has_attachments, size, content_type, charset,
			transfer_encoding, is_multipart, raw, processed_at
		FROM bodies WHERE account_id = ? AND folder = ? AND uid = ?
	`, accountID, folder, uid).Scan(&text, &html, &hasAtt, &b.Size, &contentType,
		&charset, &transferEncoding, &isMulti, &b.Raw, &processedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get body: %w", err)
	}
	b.Text = text.String
	b.HTML = html.String
	b.ContentType = contentType.String
	b.Charset = charset.String
	b.TransferEncoding = transferEncoding.String
	b.HasAttachments = hasAtt != 0
	b.IsMultipart = isMulti != 0
	if processedAt.Valid {
		if t, err := time.Parse(time.RFC3339, processedAt.String); err == nil {
			b.ProcessedAt = &t
		}
	}
	return b, nil
}

// MissingBodyUIDs returns the subset of uids that have no processed
// body stored, preserving request order.
func (s *Store) MissingBodyUIDs(accountID, folder string, uids []string) ([]string, error) {
	rows, err := s.cache.DB().Query(`
		SELECT uid FROM bodies
		WHERE account_id = ? AND folder = ? AND processed_at IS NOT NULL
	`, accountID, folder)
	if err != nil {
		return nil, fmt.Errorf("failed to query processed uids: %w", err)
	}
	defer rows.Close()

	processed := make(map[string]bool)
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("failed to scan uid: %w", err)
		}
		processed[uid] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []string
	for _, uid := range uids {
		if !processed[uid] {
			missing = append(missing, uid)
		}
	}
	return missing, nil
}

// PutAttachment upserts one attachment part.
func (s *Store) PutAttachment(a *types.Attachment) error {
	query := `
		INSERT INTO attachments (account_id, folder, uid, part_id, filename, mime_type,
			size, data, content_id, inline, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, folder, uid, part_id) DO UPDATE SET
			filename = excluded.filename,
			mime_type = excluded.mime_type,
			size = excluded.size,
			data = excluded.data,
			content_id = excluded.content_id,
			inline = excluded.inline,
			checksum = excluded.checksum
	`
	_, err := s.cache.DB().Exec(query, a.AccountID, a.Folder, a.UID, a.PartID,
		a.Filename, a.MimeType, a.Size, a.Data, a.ContentID, boolInt(a.Inline), a.Checksum)
	if err != nil {
		return fmt.Errorf("failed to put attachment: %w", err)
	}
	return nil
}

// Attachments lists the stored attachments of one message.
func (s *Store) Attachments(accountID, folder, uid string) ([]types.Attachment, error) {
	rows, err := s.cache.DB().Query(`
		SELECT part_id, filename, mime_type, size, data, content_id, inline, checksum
		FROM attachments WHERE account_id = ? AND folder = ? AND uid = ?
		ORDER BY part_id
	`, accountID, folder, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachments: %w", err)
	}
	defer rows.Close()

	var attachments []types.Attachment
	for rows.Next() {
		a := types.Attachment{AccountID: accountID, Folder: folder, UID: uid}
		var inline int
		var filename, mimeType, contentID sql.NullString
		if err := rows.Scan(&a.PartID, &filename, &mimeType, &a.Size, &a.Data,
			&contentID, &inline, &a.Checksum); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		a.Filename = filename.String
		a.MimeType = mimeType.String
		a.ContentID = contentID.String
		a.Inline = inline != 0
		attachments = append(attachments, a)
	}
	return attachments, rows.Err()
}

// DeleteMessage removes the header, body and attachments of a message.
func (s *Store) DeleteMessage(accountID, folder, uid string) error {
	for _, table := range []string{"headers", "bodies", "attachments"} {
		query := fmt.Sprintf("DELETE FROM %s WHERE account_id = ? AND folder = ? AND uid = ?", table)
		if _, err := s.cache.DB().Exec(query, accountID, folder, uid); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
