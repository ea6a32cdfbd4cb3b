package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher with PostgreSQL full-text search; it is the
// fallback whenever Meilisearch is absent or unhealthy.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy is always true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

const (
	todoDocument    = "to_tsvector('english', t.title || ' ' || t.description)"
	messageDocument = "to_tsvector('english', m.text)"
	tsQuery         = "plainto_tsquery('english', $1)"
)

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	args := []any{q.Text}
	var subQueries []string

	if q.wants(ResultTodo) {
		args = append(args, q.TodoListIDs)
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'todo'::text AS type, t.id, t.list_id, t.title,
				ts_headline('english', t.description, %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				ts_rank(%[2]s, %[1]s) AS rank
			FROM todos t
			WHERE %[2]s @@ %[1]s AND t.list_id = ANY($%[3]d)`, tsQuery, todoDocument, len(args)))
	}
	if q.wants(ResultMessage) {
		args = append(args, q.MessageListIDs)
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'message'::text AS type, m.id, m.list_id, ''::text AS title,
				ts_headline('english', m.text, %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				ts_rank(%[2]s, %[1]s) AS rank
			FROM messages m
			WHERE %[2]s @@ %[1]s AND m.list_id = ANY($%[3]d)`, tsQuery, messageDocument, len(args)))
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM ("+union+") sub", args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT type, id, list_id, title, snippet
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d`, union, q.limit()), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.ListID, &r.Title, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable rows for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]TodoRecord, []MessageRecord, error) {
	todoRows, err := p.db.QueryContext(ctx, `SELECT id, list_id, title, description FROM todos`)
	if err != nil {
		return nil, nil, fmt.Errorf("load todos: %w", err)
	}
	defer todoRows.Close()

	todos := make([]TodoRecord, 0)
	for todoRows.Next() {
		var t TodoRecord
		if err := todoRows.Scan(&t.ID, &t.ListID, &t.Title, &t.Description); err != nil {
			return nil, nil, fmt.Errorf("scan todo: %w", err)
		}
		todos = append(todos, t)
	}
	if err := todoRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate todos: %w", err)
	}

	messageRows, err := p.db.QueryContext(ctx, `SELECT id, list_id, sender_id, text FROM messages WHERE text <> ''`)
	if err != nil {
		return nil, nil, fmt.Errorf("load messages: %w", err)
	}
	defer messageRows.Close()

	messages := make([]MessageRecord, 0)
	for messageRows.Next() {
		var m MessageRecord
		if err := messageRows.Scan(&m.ID, &m.ListID, &m.SenderID, &m.Text); err != nil {
			return nil, nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := messageRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate messages: %w", err)
	}
	return todos, messages, nil
}
