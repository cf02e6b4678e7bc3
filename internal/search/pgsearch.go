package search

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"cyphire/api/internal/store"
)

// PgSearch implements Searcher with a substring match over live messages.
type PgSearch struct {
	db store.PgxPool
}

func NewPgSearch(db store.PgxPool) *PgSearch {
	return &PgSearch{db: db}
}

// Healthy always returns true. If Postgres is down the whole app is down.
func (p *PgSearch) Healthy() bool {
	return true
}

const pgSearchFrom = `
FROM messages m
JOIN message_logs l ON l.engagement_id = m.engagement_id
WHERE m.body ILIKE $1 ESCAPE '\'
	AND (l.expire_at IS NULL OR l.expire_at > NOW())`

func (p *PgSearch) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := pgSearchFrom
	args := []any{"%" + escapeLike(strings.TrimSpace(q.Text)) + "%"}
	if q.EngagementID != "" {
		where += ` AND m.engagement_id = $2`
		args = append(args, q.EngagementID)
	}

	var total int
	if err := p.db.QueryRow(ctx, "SELECT count(*)"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pg search count: %w", err)
	}
	if total == 0 {
		return []Result{}, 0, nil
	}

	dataSQL := "SELECT m.id, m.engagement_id, m.sender_id, m.body, m.created_at" + where +
		" ORDER BY m.id DESC LIMIT " + strconv.Itoa(limit) + " OFFSET " + strconv.Itoa(offset)
	rows, err := p.db.Query(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pg search query: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var (
			r    Result
			body string
		)
		if err := rows.Scan(&r.MessageID, &r.EngagementID, &r.SenderID, &body, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("pg search scan: %w", err)
		}
		r.Snippet = snippet(body, q.Text, 30)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

const loadLiveMessagesSQL = `
SELECT m.id, m.engagement_id, m.sender_id, m.body, m.created_at
FROM messages m
JOIN message_logs l ON l.engagement_id = m.engagement_id
WHERE m.body <> '' AND (l.expire_at IS NULL OR l.expire_at > NOW())
ORDER BY m.id ASC
`

// LoadAllRecords returns every live message for a full reindex.
func (p *PgSearch) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	rows, err := p.db.Query(ctx, loadLiveMessagesSQL)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0)
	for rows.Next() {
		var msg store.Message
		if err := rows.Scan(&msg.ID, &msg.EngagementID, &msg.SenderID, &msg.Text, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		records = append(records, RecordFor(msg))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return records, nil
}

// RecordFor converts a stored message into its index document.
func RecordFor(msg store.Message) MessageRecord {
	return MessageRecord{
		ID:           strconv.FormatInt(msg.ID, 10),
		MessageID:    msg.ID,
		EngagementID: msg.EngagementID,
		SenderID:     msg.SenderID,
		Body:         msg.Text,
		CreatedAt:    msg.CreatedAt.Unix(),
	}
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

// snippet returns up to maxWords words of body around the first match.
func snippet(body, needle string, maxWords int) string {
	words := strings.Fields(body)
	if len(words) <= maxWords {
		return strings.Join(words, " ")
	}
	start := 0
	lowerNeedle := strings.ToLower(strings.TrimSpace(needle))
	for i, word := range words {
		if strings.Contains(strings.ToLower(word), lowerNeedle) {
			start = i - maxWords/3
			break
		}
	}
	if start < 0 {
		start = 0
	}
	if start+maxWords > len(words) {
		start = len(words) - maxWords
	}
	out := strings.Join(words[start:start+maxWords], " ")
	if start > 0 {
		out = "..." + out
	}
	if start+maxWords < len(words) {
		out += "..."
	}
	return out
}
