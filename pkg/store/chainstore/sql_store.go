package chainstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/ccos/pkg/causalchain"
)

// Dialect selects placeholder syntax and DDL.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements causalchain.Store using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps db. Call Init before first use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS causal_actions (
	sequence INTEGER PRIMARY KEY,
	action_id TEXT NOT NULL,
	action_type TEXT NOT NULL,
	plan_id TEXT,
	intent_id TEXT,
	session_id TEXT,
	parent_action_id TEXT,
	function_name TEXT,
	timestamp INTEGER NOT NULL,
	data JSON NOT NULL,
	chain_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_causal_actions_session ON causal_actions(session_id);
`

// Init creates the actions table if missing.
func (s *SQLStore) Init(ctx context.Context) error {
	schema := sqliteSchema
	if s.dialect == DialectPostgres {
		schema = pgSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init %s ledger schema: %w", s.dialect, err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Append(ctx context.Context, rec causalchain.StoredAction) error {
	a := rec.Action
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode action %s: %w", a.ActionID, err)
	}
	query := s.rebind(`INSERT INTO causal_actions (
		sequence, action_id, action_type, plan_id, intent_id, session_id, parent_action_id, function_name, timestamp, data, chain_hash
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		int64(rec.Sequence), a.ActionID, string(a.Type), a.PlanID, a.IntentID, a.SessionID, a.ParentActionID, a.FunctionName, a.Timestamp, string(data), rec.ChainHash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context) ([]causalchain.StoredAction, error) {
	return s.query(ctx, `SELECT sequence, data, chain_hash FROM causal_actions ORDER BY sequence ASC`)
}

func (s *SQLStore) LoadSession(ctx context.Context, sessionID string) ([]causalchain.StoredAction, error) {
	return s.query(ctx, s.rebind(`SELECT sequence, data, chain_hash FROM causal_actions WHERE session_id = ? ORDER BY sequence ASC`), sessionID)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]causalchain.StoredAction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []causalchain.StoredAction
	for rows.Next() {
		var (
			seq  int64
			data string
			rec  causalchain.StoredAction
		)
		if err := rows.Scan(&seq, &data, &rec.ChainHash); err != nil {
			return nil, err
		}
		var a causalchain.Action
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return nil, fmt.Errorf("decode action at sequence %d: %w", seq, err)
		}
		rec.Sequence = uint64(seq)
		rec.Action = &a
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
