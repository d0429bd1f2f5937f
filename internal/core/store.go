package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/safezone/mibs/internal/db"
)

// Store is the relational owner of messages and recipients.
type Store struct{ DB *db.DB }

func NewStore(database *db.DB) *Store { return &Store{DB: database} }

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const messageCols = `message_id, user_id, body, scheduled_time, sent, last_attempt_time`

const recipientCols = `recipient_request_id, message_id, email_address, sent, send_attempt_time`

// ClaimDueMessages stamps last_attempt_time = now on every unsent message
// that is due and either never attempted or stale, and returns exactly those
// rows. It is a single statement: two callers racing on the same row never
// both get it back. limit <= 0 claims every eligible row.
func (s *Store) ClaimDueMessages(ctx context.Context, now time.Time, staleWindow time.Duration, limit int) ([]Message, error) {
	var lim *int64
	if limit > 0 {
		n := int64(limit)
		lim = &n
	}
	staleBefore := now.Add(-staleWindow)

	rows, err := s.DB.Pool.Query(ctx, `
		UPDATE messages AS m
		SET last_attempt_time = $1
		WHERE m.message_id IN (
			SELECT message_id FROM messages
			WHERE sent = FALSE
			  AND scheduled_time <= $1
			  AND (last_attempt_time IS NULL OR last_attempt_time <= $2)
			ORDER BY scheduled_time
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING m.message_id, m.user_id, m.body, m.scheduled_time, m.sent, m.last_attempt_time
	`, now, staleBefore, lim)
	if err != nil {
		return nil, fmt.Errorf("claim due messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("claim due messages: %w", err)
	}
	return msgs, nil
}

// PendingCount returns how many unsent messages are already due at now.
func (s *Store) PendingCount(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.DB.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE sent = FALSE AND scheduled_time <= $1`, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

func (s *Store) LoadRecipients(ctx context.Context, messageID uuid.UUID) ([]Recipient, error) {
	rows, err := s.DB.Pool.Query(ctx,
		`SELECT `+recipientCols+` FROM recipients WHERE message_id = $1 ORDER BY email_address, recipient_request_id`,
		messageID)
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}
	out, err := scanRecipients(rows)
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}
	return out, nil
}

// StampSendAttempt records an attempt time on the given recipients.
func (s *Store) StampSendAttempt(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.DB.Pool.Exec(ctx,
		`UPDATE recipients SET send_attempt_time = $2 WHERE recipient_request_id = ANY($1::uuid[])`,
		uuidStrings(ids), at)
	if err != nil {
		return fmt.Errorf("stamp send attempt: %w", err)
	}
	return nil
}

func (s *Store) MarkRecipientSent(ctx context.Context, id uuid.UUID) error {
	tag, err := s.DB.Pool.Exec(ctx, `UPDATE recipients SET sent = TRUE WHERE recipient_request_id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark recipient sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecipientGone
	}
	return nil
}

// MarkMessageSent settles a message, but only when it has recipients and
// every one of them is sent. The message row is locked first so a concurrent
// AddRecipients either lands before the check or sees the message as sent.
func (s *Store) MarkMessageSent(ctx context.Context, id uuid.UUID) error {
	err := s.DB.WithTx(ctx, func(tx pgx.Tx) error {
		var sent bool
		err := tx.QueryRow(ctx, `SELECT sent FROM messages WHERE message_id = $1 FOR UPDATE`, id).Scan(&sent)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var total, unsent int
		err = tx.QueryRow(ctx, `
			SELECT COUNT(*), COUNT(*) FILTER (WHERE NOT sent)
			FROM recipients WHERE message_id = $1
		`, id).Scan(&total, &unsent)
		if err != nil {
			return err
		}
		if total == 0 || unsent > 0 {
			return ErrUnsentRecipients
		}
		_, err = tx.Exec(ctx, `UPDATE messages SET sent = TRUE WHERE message_id = $1`, id)
		return err
	})
	if err != nil {
		return wrapUnlessSentinel("mark message sent", err)
	}
	return nil
}

// CreateMessage inserts a message and its email recipients in one transaction.
func (s *Store) CreateMessage(ctx context.Context, in NewMessage) (Message, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return Message{}, ErrUserRequired
	}
	if strings.TrimSpace(in.Body) == "" {
		return Message{}, ErrEmptyBody
	}
	if len(in.Emails) == 0 {
		return Message{}, ErrNoRecipients
	}

	msg := Message{
		ID:            uuid.New(),
		UserID:        in.UserID,
		Body:          in.Body,
		ScheduledTime: in.ScheduledTime.UTC(),
	}

	err := s.DB.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO messages (message_id, user_id, body, scheduled_time)
			VALUES ($1, $2, $3, $4)
		`, msg.ID, msg.UserID, msg.Body, msg.ScheduledTime)
		if err != nil {
			return err
		}
		msg.Recipients, err = insertRecipients(ctx, tx, msg.ID, in.Emails)
		return err
	})
	if err != nil {
		return Message{}, fmt.Errorf("create message: %w", err)
	}
	return msg, nil
}

// GetMessage returns one of userID's messages with its recipients.
func (s *Store) GetMessage(ctx context.Context, userID string, id uuid.UUID) (Message, error) {
	rows, err := s.DB.Pool.Query(ctx,
		`SELECT `+messageCols+` FROM messages WHERE message_id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	if len(msgs) == 0 {
		return Message{}, ErrNotFound
	}
	if err := s.attachRecipients(ctx, msgs); err != nil {
		return Message{}, err
	}
	return msgs[0], nil
}

// ListMessages pages through userID's messages, latest schedule first.
func (s *Store) ListMessages(ctx context.Context, userID string, limit, offset int) ([]Message, error) {
	rows, err := s.DB.Pool.Query(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE user_id = $1
		ORDER BY scheduled_time DESC, message_id
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if err := s.attachRecipients(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// UpdateMessage edits an unsent message. A sent message is immutable.
func (s *Store) UpdateMessage(ctx context.Context, userID string, id uuid.UUID, upd MessageUpdate) (Message, error) {
	if upd.Body != nil && strings.TrimSpace(*upd.Body) == "" {
		return Message{}, ErrEmptyBody
	}
	var sched *time.Time
	if upd.ScheduledTime != nil {
		t := upd.ScheduledTime.UTC()
		sched = &t
	}

	err := s.DB.WithTx(ctx, func(tx pgx.Tx) error {
		if err := lockUnsent(ctx, tx, userID, id); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			UPDATE messages
			SET body = COALESCE($2, body), scheduled_time = COALESCE($3, scheduled_time)
			WHERE message_id = $1
		`, id, upd.Body, sched)
		return err
	})
	if err != nil {
		return Message{}, wrapUnlessSentinel("update message", err)
	}
	return s.GetMessage(ctx, userID, id)
}

// AddRecipients appends email recipients to an unsent message.
func (s *Store) AddRecipients(ctx context.Context, userID string, id uuid.UUID, emails []string) ([]Recipient, error) {
	if len(emails) == 0 {
		return nil, ErrNoRecipients
	}
	var out []Recipient
	err := s.DB.WithTx(ctx, func(tx pgx.Tx) error {
		if err := lockUnsent(ctx, tx, userID, id); err != nil {
			return err
		}
		var err error
		out, err = insertRecipients(ctx, tx, id, emails)
		return err
	})
	if err != nil {
		return nil, wrapUnlessSentinel("add recipients", err)
	}
	return out, nil
}

// DeleteMessage removes a message; its recipients go with it.
func (s *Store) DeleteMessage(ctx context.Context, userID string, id uuid.UUID) error {
	tag, err := s.DB.Pool.Exec(ctx, `DELETE FROM messages WHERE message_id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func lockUnsent(ctx context.Context, q querier, userID string, id uuid.UUID) error {
	var sent bool
	err := q.QueryRow(ctx,
		`SELECT sent FROM messages WHERE message_id = $1 AND user_id = $2 FOR UPDATE`, id, userID).Scan(&sent)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if sent {
		return ErrMessageSent
	}
	return nil
}

func insertRecipients(ctx context.Context, q querier, messageID uuid.UUID, emails []string) ([]Recipient, error) {
	out := make([]Recipient, 0, len(emails))
	for _, email := range emails {
		r := Recipient{ID: uuid.New(), MessageID: messageID, EmailAddress: email}
		_, err := q.Exec(ctx, `
			INSERT INTO recipients (recipient_request_id, message_id, email_address)
			VALUES ($1, $2, $3)
		`, r.ID, r.MessageID, r.EmailAddress)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) attachRecipients(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(msgs))
	index := make(map[uuid.UUID]int, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		index[m.ID] = i
	}

	rows, err := s.DB.Pool.Query(ctx,
		`SELECT `+recipientCols+` FROM recipients WHERE message_id = ANY($1::uuid[]) ORDER BY email_address, recipient_request_id`,
		uuidStrings(ids))
	if err != nil {
		return fmt.Errorf("load recipients: %w", err)
	}
	recs, err := scanRecipients(rows)
	if err != nil {
		return fmt.Errorf("load recipients: %w", err)
	}
	for _, r := range recs {
		i := index[r.MessageID]
		msgs[i].Recipients = append(msgs[i].Recipients, r)
	}
	return nil
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.Body, &m.ScheduledTime, &m.Sent, &m.LastAttemptTime); err != nil {
			return nil, err
		}
		m.ScheduledTime = m.ScheduledTime.UTC()
		if m.LastAttemptTime != nil {
			t := m.LastAttemptTime.UTC()
			m.LastAttemptTime = &t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanRecipients(rows pgx.Rows) ([]Recipient, error) {
	defer rows.Close()
	var out []Recipient
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.ID, &r.MessageID, &r.EmailAddress, &r.Sent, &r.SendAttemptTime); err != nil {
			return nil, err
		}
		if r.SendAttemptTime != nil {
			t := r.SendAttemptTime.UTC()
			r.SendAttemptTime = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func wrapUnlessSentinel(op string, err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrMessageSent) || errors.Is(err, ErrUnsentRecipients) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
