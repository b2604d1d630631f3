package chainstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // Postgres Driver
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS causal_actions (
	sequence BIGINT PRIMARY KEY,
	action_id TEXT NOT NULL,
	action_type TEXT NOT NULL,
	plan_id TEXT,
	intent_id TEXT,
	session_id TEXT,
	parent_action_id TEXT,
	function_name TEXT,
	timestamp BIGINT NOT NULL,
	data JSONB NOT NULL,
	chain_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_causal_actions_session ON causal_actions(session_id);
`

// OpenPostgres connects to dsn and ensures the schema.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewSQLStore(db, DialectPostgres)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
