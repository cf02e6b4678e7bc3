package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cyphire/api/internal/errs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

type PostgresStore struct {
	db PgxPool
}

func NewPostgresStore(db PgxPool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

const upsertUserSQL = `
INSERT INTO users (id, display_name, avatar_url)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, avatar_url = EXCLUDED.avatar_url, updated_at = NOW()
`

func (s *PostgresStore) UpsertUser(ctx context.Context, user User) error {
	if _, err := s.db.Exec(ctx, upsertUserSQL, user.ID, user.DisplayName, user.AvatarURL); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

const getUsersSQL = `SELECT id, display_name, avatar_url, updated_at FROM users WHERE id = ANY($1)`

func (s *PostgresStore) GetUsers(ctx context.Context, ids []string) (map[string]User, error) {
	users := make(map[string]User, len(ids))
	if len(ids) == 0 {
		return users, nil
	}
	rows, err := s.db.Query(ctx, getUsersSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.DisplayName, &user.AvatarURL, &user.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users[user.ID] = user
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

const insertEngagementSQL = `
INSERT INTO engagements (id, task_id, owner_id, worker_id)
VALUES ($1, $2, $3, $4)
RETURNING created_at
`

// CreateEngagement records a task-to-worker pairing. A task can be paired once.
func (s *PostgresStore) CreateEngagement(ctx context.Context, item Engagement) (Engagement, error) {
	err := s.db.QueryRow(ctx, insertEngagementSQL, item.ID, item.TaskID, item.OwnerID, item.WorkerID).Scan(&item.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Engagement{}, errs.ErrAlreadyAssigned
		}
		return Engagement{}, fmt.Errorf("insert engagement: %w", err)
	}
	item.OwnerFinalised = false
	item.WorkerFinalised = false
	item.FinalisedAt = nil
	return item, nil
}

const getEngagementSQL = `
SELECT id, task_id, owner_id, worker_id, owner_finalised, worker_finalised, finalised_at, created_at
FROM engagements
WHERE id = $1
`

func (s *PostgresStore) GetEngagement(ctx context.Context, engagementID string) (Engagement, error) {
	item, err := scanEngagement(s.db.QueryRow(ctx, getEngagementSQL, engagementID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Engagement{}, errs.ErrNotFound
		}
		return Engagement{}, fmt.Errorf("get engagement: %w", err)
	}
	return item, nil
}

const lockEngagementSQL = getEngagementSQL + `FOR UPDATE`

const updateFlagsSQL = `
UPDATE engagements
SET owner_finalised = $2,
	worker_finalised = $3,
	finalised_at = CASE WHEN $4::boolean THEN NOW() ELSE finalised_at END
WHERE id = $1
RETURNING finalised_at
`

const setLogExpirySQL = `
INSERT INTO message_logs (engagement_id, expire_at)
VALUES ($1, $2)
ON CONFLICT (engagement_id) DO UPDATE SET expire_at = EXCLUDED.expire_at
WHERE message_logs.expire_at IS NULL
`

// Finalise raises the caller's flag(s) under a row lock. The lock serialises
// concurrent callers, so exactly one call observes the null-to-set transition
// of finalised_at and stamps the log expiry.
func (s *PostgresStore) Finalise(ctx context.Context, engagementID string, asOwner, asWorker bool, retention time.Duration) (result FinaliseResult, err error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return FinaliseResult{}, fmt.Errorf("begin finalise: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = fmt.Errorf("commit finalise: %w", e)
		}
	}()

	current, err := scanEngagement(tx.QueryRow(ctx, lockEngagementSQL, engagementID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FinaliseResult{}, errs.ErrNotFound
		}
		return FinaliseResult{}, fmt.Errorf("lock engagement: %w", err)
	}

	next := current
	next.OwnerFinalised = current.OwnerFinalised || asOwner
	next.WorkerFinalised = current.WorkerFinalised || asWorker
	if next.OwnerFinalised == current.OwnerFinalised && next.WorkerFinalised == current.WorkerFinalised {
		return FinaliseResult{Engagement: current}, nil
	}

	transition := current.FinalisedAt == nil && next.OwnerFinalised && next.WorkerFinalised
	var finalisedAt pgtype.Timestamptz
	if err = tx.QueryRow(ctx, updateFlagsSQL, engagementID, next.OwnerFinalised, next.WorkerFinalised, transition).Scan(&finalisedAt); err != nil {
		return FinaliseResult{}, fmt.Errorf("update finalise flags: %w", err)
	}
	next.FinalisedAt = timePtr(finalisedAt)

	result = FinaliseResult{Engagement: next}
	if transition && next.FinalisedAt != nil {
		expireAt := next.FinalisedAt.Add(retention)
		if _, err = tx.Exec(ctx, setLogExpirySQL, engagementID, expireAt); err != nil {
			return FinaliseResult{}, fmt.Errorf("set log expiry: %w", err)
		}
		result.Transitioned = true
		result.ExpireAt = &expireAt
	}
	return result, nil
}

const lockOpenEngagementSQL = `SELECT finalised_at FROM engagements WHERE id = $1 FOR NO KEY UPDATE`

const ensureLogSQL = `
INSERT INTO message_logs (engagement_id)
VALUES ($1)
ON CONFLICT (engagement_id) DO NOTHING
`

const insertMessageSQL = `
INSERT INTO messages (engagement_id, sender_id, body, attachments)
VALUES ($1, $2, $3, $4::jsonb)
RETURNING id, created_at
`

// AppendMessage creates the log on first use and appends msg in one
// transaction. The engagement row lock conflicts with Finalise, so a message
// can never land after the chat closed, and it orders appends per engagement.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg Message) (saved Message, err error) {
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []Attachment{}
	}
	payload, err := json.Marshal(attachments)
	if err != nil {
		return Message{}, fmt.Errorf("marshal attachments: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Message{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = fmt.Errorf("commit append: %w", e)
		}
	}()

	var finalisedAt pgtype.Timestamptz
	if err = tx.QueryRow(ctx, lockOpenEngagementSQL, msg.EngagementID).Scan(&finalisedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, errs.ErrNotFound
		}
		return Message{}, fmt.Errorf("lock engagement: %w", err)
	}
	if finalisedAt.Valid {
		return Message{}, errs.ErrChatClosed
	}

	if _, err = tx.Exec(ctx, ensureLogSQL, msg.EngagementID); err != nil {
		return Message{}, fmt.Errorf("ensure message log: %w", err)
	}
	if err = tx.QueryRow(ctx, insertMessageSQL, msg.EngagementID, msg.SenderID, msg.Text, string(payload)).Scan(&msg.ID, &msg.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	msg.Attachments = attachments
	return msg, nil
}

const listMessagesSQL = `
SELECT m.id, m.sender_id, m.body, m.attachments, m.created_at
FROM messages m
JOIN message_logs l ON l.engagement_id = m.engagement_id
WHERE m.engagement_id = $1
	AND m.id > $2
	AND (l.expire_at IS NULL OR l.expire_at > NOW())
ORDER BY m.id ASC
`

// ListMessages returns the log in append order. after is an exclusive cursor
// (0 = from the start) and limit <= 0 returns everything.
func (s *PostgresStore) ListMessages(ctx context.Context, engagementID string, after int64, limit int) ([]Message, error) {
	query := listMessagesSQL
	args := []any{engagementID, after}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		item := Message{EngagementID: engagementID}
		var raw []byte
		if err := rows.Scan(&item.ID, &item.SenderID, &item.Text, &raw, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		item.Attachments = []Attachment{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &item.Attachments); err != nil {
				return nil, fmt.Errorf("decode attachments for message %d: %w", item.ID, err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

const getMessageLogSQL = `
SELECT engagement_id, expire_at, created_at
FROM message_logs
WHERE engagement_id = $1
	AND (expire_at IS NULL OR expire_at > NOW())
`

// GetMessageLog returns errs.ErrNotFound when no message was ever posted or
// the log has expired.
func (s *PostgresStore) GetMessageLog(ctx context.Context, engagementID string) (MessageLog, error) {
	var (
		item     MessageLog
		expireAt pgtype.Timestamptz
	)
	err := s.db.QueryRow(ctx, getMessageLogSQL, engagementID).Scan(&item.EngagementID, &expireAt, &item.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MessageLog{}, errs.ErrNotFound
		}
		return MessageLog{}, fmt.Errorf("get message log: %w", err)
	}
	item.ExpireAt = timePtr(expireAt)
	return item, nil
}

const liveEngagementsSQL = `
SELECT e.id
FROM engagements e
LEFT JOIN message_logs l ON l.engagement_id = e.id
WHERE e.id = ANY($1)
	AND (l.expire_at IS NULL OR l.expire_at > NOW())
`

// LiveEngagements reports which of ids still have a readable message log.
func (s *PostgresStore) LiveEngagements(ctx context.Context, ids []string) (map[string]bool, error) {
	live := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return live, nil
	}
	rows, err := s.db.Query(ctx, liveEngagementsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("list live engagements: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan live engagement: %w", err)
		}
		live[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate live engagements: %w", err)
	}
	return live, nil
}

func scanEngagement(row pgx.Row) (Engagement, error) {
	var (
		item        Engagement
		finalisedAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&item.ID,
		&item.TaskID,
		&item.OwnerID,
		&item.WorkerID,
		&item.OwnerFinalised,
		&item.WorkerFinalised,
		&finalisedAt,
		&item.CreatedAt,
	); err != nil {
		return Engagement{}, err
	}
	item.FinalisedAt = timePtr(finalisedAt)
	return item, nil
}

func timePtr(value pgtype.Timestamptz) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}
