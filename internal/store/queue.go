package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/model"
)

// GetPendingForQueue returns messages the outbound queue still owns
// (pending or sending), in enqueue order.
func (db *DB) GetPendingForQueue() ([]model.Message, error) {
	rows, err := db.Query(`
		SELECT ` + messageColumns + `
		FROM messages
		WHERE status IN ('pending', 'sending')
		ORDER BY COALESCE(enqueued_at, created_at) ASC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// GetFailed returns messages that exhausted their retries, newest first.
func (db *DB) GetFailed(limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE status = 'failed'
		ORDER BY updated_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// SaveQueueMeta persists retry bookkeeping for a queued message.
func (db *DB) SaveQueueMeta(id string, q model.QueueMeta) error {
	if q.EnqueuedAt.IsZero() {
		q.EnqueuedAt = time.Now()
	}
	var lastTry any
	if !q.LastAttemptAt.IsZero() {
		lastTry = q.LastAttemptAt.UnixMilli()
	}
	res, err := db.Exec(`
		UPDATE messages SET
			retry_count = ?, enqueued_at = ?, last_attempt_at = ?, last_error = ?, error_class = ?, updated_at = ?
		WHERE id = ?`,
		q.RetryCount, q.EnqueuedAt.UnixMilli(), lastTry, nullString(q.LastError), nullString(string(q.ErrorClass)),
		time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("save queue meta %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return nil
}

// ClearQueueMeta drops retry bookkeeping once the queue is done with a message.
func (db *DB) ClearQueueMeta(id string) error {
	_, err := db.Exec(`
		UPDATE messages SET
			retry_count = NULL, enqueued_at = NULL, last_attempt_at = NULL, last_error = NULL, error_class = NULL
		WHERE id = ?`, id)
	return err
}

// MarkFailed records the terminal failure of a send together with the last error.
func (db *DB) MarkFailed(id string, q model.QueueMeta) error {
	if err := db.UpdateStatus(id, model.StatusFailed); err != nil {
		return err
	}
	if err := db.SaveQueueMeta(id, q); err != nil {
		return err
	}
	if m, err := db.Get(id); err == nil {
		db.notify(bus.KindMessageChanged, Change{Kind: ChangeQueue, Message: *m, Previous: model.StatusFailed})
	}
	return nil
}

// ResetForRetry moves a failed message back to pending with fresh bookkeeping.
// The status check and both writes share one transaction, so a message that
// left the failed state concurrently is rejected with model.ErrInvalidTransition.
func (db *DB) ResetForRetry(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current model.Status
	err = tx.QueryRow(`SELECT status FROM messages WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if current != model.StatusFailed {
		return fmt.Errorf("message %s: retry from %s: %w", id, current, model.ErrInvalidTransition)
	}
	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		UPDATE messages SET
			status = ?, retry_count = 0, enqueued_at = ?, last_attempt_at = NULL, last_error = NULL, error_class = NULL, updated_at = ?
		WHERE id = ?`, model.StatusPending, now, now, id); err != nil {
		return fmt.Errorf("reset %s: %w", id, err)
	}
	m, err := scanMessage(tx.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	db.notify(bus.KindMessageChanged, Change{Kind: ChangeStatus, Message: m, Previous: current})
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
