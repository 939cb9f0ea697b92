package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/brandon/mailsync/pkg/types"
)

// Outbox persistence. Items stay in the table after reaching a
// terminal status so delivery history remains visible; only the owning
// worker mutates non-terminal rows.

// Enqueue inserts a new pending outbox item.
func (s *Store) Enqueue(item *types.OutboxItem) error {
	draftJSON, err := json.Marshal(item.Draft)
	if err != nil {
		return fmt.Errorf("failed to marshal draft: %w", err)
	}
	query := `
		INSERT INTO outbox (id, account_id, created_at, attempts, status, last_error, draft)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.cache.DB().Exec(query, item.ID, item.AccountID,
		item.CreatedAt.UTC().Format(time.RFC3339Nano), item.Attempts,
		string(item.Status), item.LastError, string(draftJSON))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox item: %w", err)
	}
	return nil
}

// NextReady returns the oldest pending item for an account, or nil
// when nothing is ready.
func (s *Store) NextReady(accountID string) (*types.OutboxItem, error) {
	row := s.cache.DB().QueryRow(`
		SELECT id, account_id, created_at, last_attempt, attempts, status, last_error, draft
		FROM outbox WHERE account_id = ? AND status = ?
		ORDER BY created_at ASC LIMIT 1
	`, accountID, string(types.OutboxPending))
	item, err := scanOutboxItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return item, err
}

// GetOutboxItem returns one item by id.
func (s *Store) GetOutboxItem(id string) (*types.OutboxItem, error) {
	row := s.cache.DB().QueryRow(`
		SELECT id, account_id, created_at, last_attempt, attempts, status, last_error, draft
		FROM outbox WHERE id = ?
	`, id)
	item, err := scanOutboxItem(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("outbox item not found: %s", id)
	}
	return item, err
}

// MarkSending transitions pending -> sending, stamps the attempt time
// and bumps the attempt counter.
func (s *Store) MarkSending(id string) error {
	return s.transition(id, `
		UPDATE outbox SET status = ?, last_attempt = ?, attempts = attempts + 1
		WHERE id = ? AND status = ?
	`, string(types.OutboxSending), time.Now().UTC().Format(time.RFC3339), id, string(types.OutboxPending))
}

// MarkSent transitions sending -> sent.
func (s *Store) MarkSent(id string) error {
	return s.transition(id, `
		UPDATE outbox SET status = ?, last_error = ''
		WHERE id = ? AND status = ?
	`, string(types.OutboxSent), id, string(types.OutboxSending))
}

// MarkFailed transitions sending -> failed and records the error text.
func (s *Store) MarkFailed(id, lastError string) error {
	return s.transition(id, `
		UPDATE outbox SET status = ?, last_error = ?
		WHERE id = ? AND status = ?
	`, string(types.OutboxFailed), lastError, id, string(types.OutboxSending))
}

// MarkCancelled transitions any state -> cancelled. Terminal items can
// be cancelled too, so an explicit cancel never loses a race with the
// worker; it only fails for an unknown id.
func (s *Store) MarkCancelled(id string) error {
	return s.transition(id, `
		UPDATE outbox SET status = ?
		WHERE id = ?
	`, string(types.OutboxCancelled), id)
}

// RetryItem transitions failed -> pending, keeping draft and attempt
// history intact.
func (s *Store) RetryItem(id string) error {
	return s.transition(id, `
		UPDATE outbox SET status = ?
		WHERE id = ? AND status = ?
	`, string(types.OutboxPending), id, string(types.OutboxFailed))
}

func (s *Store) transition(id, query string, args ...interface{}) error {
	result, err := s.cache.DB().Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update outbox item: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("outbox item %s not in expected state", id)
	}
	return nil
}

// OutboxItems lists all items for an account, oldest first.
func (s *Store) OutboxItems(accountID string) ([]types.OutboxItem, error) {
	rows, err := s.cache.DB().Query(`
		SELECT id, account_id, created_at, last_attempt, attempts, status, last_error, draft
		FROM outbox WHERE account_id = ?
		ORDER BY created_at ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var items []types.OutboxItem
	for rows.Next() {
		item, err := scanOutboxItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOutboxItem(row rowScanner) (*types.OutboxItem, error) {
	var item types.OutboxItem
	var createdAt, status, draftJSON string
	var lastAttempt, lastError sql.NullString
	err := row.Scan(&item.ID, &item.AccountID, &createdAt, &lastAttempt,
		&item.Attempts, &status, &lastError, &draftJSON)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox item: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		item.CreatedAt = t
	}
	if lastAttempt.Valid {
		if t, err := time.Parse(time.RFC3339, lastAttempt.String); err == nil {
			item.LastAttempt = &t
		}
	}
	item.Status = types.OutboxStatus(status)
	item.LastError = lastError.String
	if err := json.Unmarshal([]byte(draftJSON), &item.Draft); err != nil {
		return nil, fmt.Errorf("failed to unmarshal draft: %w", err)
	}
	return &item, nil
}
