// Package postgres implements cloudstore.Store on a Postgres database. The
// upsert's WHERE clause is where last-write-wins actually lives: a write
// whose timestamp is below the stored row's is dropped by the database, so
// two devices replaying the same key in any order converge on the greatest
// timestamp.
package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quizrelay/quizrelay/internal/protocol"
)

// NewPool creates a pgx connection pool.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	return pgxpool.NewWithConfig(ctx, config)
}

// ResponseStore implements cloudstore.Store.
type ResponseStore struct {
	pool *pgxpool.Pool

	mu      sync.Mutex
	subs    map[string]map[int]func([]protocol.Response)
	nextSub int
	pollInt time.Duration
}

func NewResponseStore(pool *pgxpool.Pool) *ResponseStore {
	return &ResponseStore{
		pool:    pool,
		subs:    map[string]map[int]func([]protocol.Response){},
		pollInt: 3 * time.Second,
	}
}

// EnsureSchema creates the responses table when missing.
func (s *ResponseStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS responses (
			question_id  TEXT NOT NULL,
			user_id      TEXT NOT NULL,
			answer       TEXT NOT NULL,
			reason       TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			ts           BIGINT NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (question_id, user_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure responses schema: %w", err)
	}
	return nil
}

func (s *ResponseStore) WriteResponse(ctx context.Context, r protocol.Response) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO responses (question_id, user_id, answer, reason, display_name, ts, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (question_id, user_id) DO UPDATE
		SET answer=EXCLUDED.answer, reason=EXCLUDED.reason,
		    display_name=EXCLUDED.display_name, ts=EXCLUDED.ts, updated_at=EXCLUDED.updated_at
		WHERE EXCLUDED.ts >= responses.ts
	`, r.QuestionID, r.UserID, r.Answer, r.Reason, r.DisplayName, r.Timestamp, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

func (s *ResponseStore) QueryResponses(ctx context.Context, questionID string) ([]protocol.Response, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT question_id, user_id, answer, reason, display_name, ts
		FROM responses WHERE question_id=$1
	`, questionID)
	if err != nil {
		return nil, fmt.Errorf("query responses: %w", err)
	}
	defer rows.Close()

	var out []protocol.Response
	for rows.Next() {
		var r protocol.Response
		if err := rows.Scan(&r.QuestionID, &r.UserID, &r.Answer, &r.Reason, &r.DisplayName, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Subscribe polls the question on a fixed interval and invokes fn whenever
// the result set changes. Postgres has no push channel the core depends on,
// so polling keeps the adapter self-contained.
func (s *ResponseStore) Subscribe(questionID string, fn func([]protocol.Response)) func() {
	s.mu.Lock()
	byID, ok := s.subs[questionID]
	if !ok {
		byID = map[int]func([]protocol.Response){}
		s.subs[questionID] = byID
	}
	id := s.nextSub
	s.nextSub++
	byID[id] = fn
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go s.pollLoop(ctx, questionID, id)

	return func() {
		cancel()
		s.mu.Lock()
		delete(s.subs[questionID], id)
		s.mu.Unlock()
	}
}

func (s *ResponseStore) pollLoop(ctx context.Context, questionID string, subID int) {
	ticker := time.NewTicker(s.pollInt)
	defer ticker.Stop()

	var lastSeen string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		responses, err := s.QueryResponses(ctx, questionID)
		if err != nil {
			continue
		}
		fp := fingerprint(responses)
		if fp == lastSeen {
			continue
		}
		lastSeen = fp

		s.mu.Lock()
		fn := s.subs[questionID][subID]
		s.mu.Unlock()
		if fn != nil {
			fn(responses)
		}
	}
}

// fingerprint digests a result set so any accepted write registers as a
// change, including rows whose timestamp sits below the question's current
// maximum and equal-timestamp rewrites taken by the upsert.
func fingerprint(responses []protocol.Response) string {
	keys := make([]string, 0, len(responses))
	for _, r := range responses {
		keys = append(keys, fmt.Sprintf("%s\x00%d\x00%s\x00%s", r.UserID, r.Timestamp, r.Answer, r.Reason))
	}
	sort.Strings(keys)
	return strings.Join(keys, "\x1f")
}
