package store

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/model"
)

const messageColumns = `id, conversation_id, sender_id, recipient_id, body, type, status,
	COALESCE(correlation_id, ''), created_at, updated_at,
	retry_count, enqueued_at, last_attempt_at, last_error, error_class`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (model.Message, error) {
	var (
		m                             model.Message
		createdAt, updatedAt          int64
		retryCount, enqueued, lastTry sql.NullInt64
		lastError, errorClass         sql.NullString
	)
	if err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.RecipientID, &m.Body, &m.Type, &m.Status,
		&m.CorrelationID, &createdAt, &updatedAt,
		&retryCount, &enqueued, &lastTry, &lastError, &errorClass); err != nil {
		return m, err
	}
	m.CreatedAt = time.UnixMilli(createdAt)
	m.UpdatedAt = time.UnixMilli(updatedAt)
	if enqueued.Valid {
		q := &model.QueueMeta{
			RetryCount: int(retryCount.Int64),
			EnqueuedAt: time.UnixMilli(enqueued.Int64),
			LastError:  lastError.String,
			ErrorClass: model.ErrorClass(errorClass.String),
		}
		if lastTry.Valid {
			q.LastAttemptAt = time.UnixMilli(lastTry.Int64)
		}
		m.Queue = q
	}
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]model.Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Put inserts a message, or refreshes the content of an existing one.
// Status and queue metadata of an existing row are left alone; they only
// change through UpdateStatus and the queue methods.
func (db *DB) Put(m *model.Message) error {
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.Type == "" {
		m.Type = model.TypeText
	}
	if m.Status == "" {
		m.Status = model.StatusPending
	}
	if m.ConversationID == "" {
		m.ConversationID = model.ConversationID(m.SenderID, m.RecipientID)
	}
	var corr any
	if m.CorrelationID != "" {
		corr = m.CorrelationID
	}
	_, err := db.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, recipient_id, body, type, status, correlation_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body = excluded.body,
			type = excluded.type,
			correlation_id = COALESCE(messages.correlation_id, excluded.correlation_id)`,
		m.ID, m.ConversationID, m.SenderID, m.RecipientID, m.Body, m.Type, m.Status, corr,
		m.CreatedAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("put message %s: %w", m.ID, err)
	}
	stored, err := db.Get(m.ID)
	if err != nil {
		return err
	}
	db.notify(bus.KindMessageChanged, Change{Kind: ChangePut, Message: *stored})
	return nil
}

// Get returns a single message by id, or ErrNotFound.
func (db *DB) Get(id string) (*model.Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetByConversation returns one page of a conversation in chronological order.
// offset counts back from the newest message, so offset 0 is the latest page.
func (db *DB) GetByConversation(conversationID string, limit, offset int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// UpdateStatus moves a message to status. Moves that would go backwards are
// rejected with model.ErrInvalidTransition; a missing id or an unchanged
// status is a no-op.
func (db *DB) UpdateStatus(id string, status model.Status) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current model.Status
	err = tx.QueryRow(`SELECT status FROM messages WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if current == status {
		return nil
	}
	if err := model.CheckTransition(current, status); err != nil {
		return fmt.Errorf("message %s: %w", id, err)
	}
	if _, err := tx.Exec(`UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), id); err != nil {
		return err
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

// GetByRecipientAndStatus returns messages addressed to recipient in the given status, oldest first.
func (db *DB) GetByRecipientAndStatus(recipientID string, status model.Status) ([]model.Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE recipient_id = ? AND status = ?
		ORDER BY created_at ASC`, recipientID, status)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// Unread returns acknowledged messages addressed to recipient in a conversation that have not been read yet.
func (db *DB) Unread(conversationID, recipientID string) ([]model.Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND recipient_id = ? AND status IN ('sent', 'delivered')
		ORDER BY created_at ASC`, conversationID, recipientID)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// DeleteConversation removes every message of a conversation and returns how many were deleted.
func (db *DB) DeleteConversation(conversationID string) (int64, error) {
	res, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	db.notify(bus.KindConversationDeleted, conversationID)
	return n, nil
}

// Counts returns the number of stored messages per status.
func (db *DB) Counts() (map[model.Status]int, error) {
	rows, err := db.Query(`SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[model.Status]int)
	for rows.Next() {
		var s model.Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

// ListConversations derives the conversation list of self from stored messages,
// newest activity first. Unread counts messages addressed to self not yet read.
func (db *DB) ListConversations(self string, limit, offset int) ([]ConversationSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT conversation_id,
			SUM(CASE WHEN recipient_id = ? AND status != 'read' THEN 1 ELSE 0 END),
			COUNT(*),
			MAX(created_at) AS last_at
		FROM messages
		GROUP BY conversation_id
		ORDER BY last_at DESC
		LIMIT ? OFFSET ?`, self, limit, offset)
	if err != nil {
		return nil, err
	}
	type row struct {
		id            string
		unread, total int
	}
	var found []row
	for rows.Next() {
		var r row
		var lastAt int64
		if err := rows.Scan(&r.id, &r.unread, &r.total, &lastAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	out := make([]ConversationSummary, 0, len(found))
	for _, r := range found {
		last, err := scanMessage(db.QueryRow(`
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC LIMIT 1`, r.id))
		if err != nil {
			return nil, err
		}
		peer := last.RecipientID
		if peer == self {
			peer = last.SenderID
		}
		out = append(out, ConversationSummary{ID: r.id, Peer: peer, LastMessage: last, Unread: r.unread, Total: r.total})
	}
	return out, nil
}
