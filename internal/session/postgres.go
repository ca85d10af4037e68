package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

// PostgresStore keeps one row per session. Saves upsert only the patched
// columns, so a resolving submission never rewrites the query a user typed
// in the meantime.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgres opens the database and creates the session table if needed.
func NewPostgres(ctx context.Context, dsn, table string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if table == "" {
		table = "panel_sessions"
	}
	s := &PostgresStore{db: db, table: pq.QuoteIdentifier(table)}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate session table: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		id TEXT PRIMARY KEY,
		query TEXT NOT NULL DEFAULT '',
		response TEXT NOT NULL DEFAULT '',
		notice TEXT NOT NULL DEFAULT '',
		failure_kind TEXT NOT NULL DEFAULT '',
		failure_message TEXT NOT NULL DEFAULT '',
		file_name TEXT,
		file_type TEXT,
		file_data BYTEA,
		generation BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `ALTER TABLE `+s.table+` ADD COLUMN IF NOT EXISTS generation BIGINT NOT NULL DEFAULT 0`)
	return err
}

func (s *PostgresStore) Load(ctx context.Context, id string) (State, error) {
	var (
		state    State
		kind     string
		fileName sql.NullString
		fileType sql.NullString
		fileData []byte
		gen      int64
	)
	row := s.db.QueryRowContext(ctx, `
		SELECT query, response, notice, failure_kind, failure_message, file_name, file_type, file_data, generation
		FROM `+s.table+` WHERE id=$1`, id)
	err := row.Scan(&state.Query, &state.Response, &state.Notice, &kind, &state.Failure.Message, &fileName, &fileType, &fileData, &gen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("load session %s: %w", id, err)
	}
	state.Failure.Kind = FailureKind(kind)
	state.Generation = uint64(gen)
	if fileName.Valid {
		state.File = &File{Name: fileName.String, ContentType: fileType.String, Data: fileData}
	}
	return state, nil
}

func (s *PostgresStore) Save(ctx context.Context, id string, p Patch) error {
	cols, args := patchColumns(p)
	if len(cols) == 0 {
		return nil
	}
	args = append([]any{id}, args...)
	if p.IfGeneration != nil {
		args = append(args, int64(*p.IfGeneration))
	}
	res, err := s.db.ExecContext(ctx, upsertStatement(s.table, cols, p.IfGeneration != nil), args...)
	if err != nil {
		return fmt.Errorf("save session %s: %w", id, err)
	}
	if p.IfGeneration != nil {
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("save session %s: %w", id, err)
		}
		if n == 0 {
			return ErrStale
		}
	}
	return nil
}

// Reset blanks every slot in place and bumps the generation. The row is
// kept so the generation survives.
func (s *PostgresStore) Reset(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, resetStatement(s.table), id); err != nil {
		return fmt.Errorf("reset session %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func patchColumns(p Patch) ([]string, []any) {
	var (
		cols []string
		args []any
	)
	if p.Query != nil {
		cols, args = append(cols, "query"), append(args, *p.Query)
	}
	if p.Response != nil {
		cols, args = append(cols, "response"), append(args, *p.Response)
	}
	if p.Notice != nil {
		cols, args = append(cols, "notice"), append(args, *p.Notice)
	}
	if p.Failure != nil {
		cols = append(cols, "failure_kind", "failure_message")
		args = append(args, string(p.Failure.Kind), p.Failure.Message)
	}
	if p.File != nil {
		cols = append(cols, "file_name", "file_type", "file_data")
		args = append(args, p.File.Name, p.File.ContentType, p.File.Data)
	}
	return cols, args
}

// upsertStatement builds an INSERT ... ON CONFLICT that updates only cols.
// Placeholder $1 is the session id; cols bind from $2 on. A conditional
// statement binds the expected generation after the cols and leaves the row
// untouched when it differs.
func upsertStatement(table string, cols []string, conditional bool) string {
	placeholders := make([]string, len(cols))
	updates := make([]string, len(cols))
	for i, col := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		updates[i] = col + "=excluded." + col
	}
	updates = append(updates, "updated_at=now()")
	stmt := fmt.Sprintf(`INSERT INTO %s (id, %s) VALUES ($1, %s) ON CONFLICT (id) DO UPDATE SET %s`,
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "))
	if conditional {
		stmt += fmt.Sprintf(` WHERE %s.generation=$%d`, table, len(cols)+2)
	}
	return stmt
}

func resetStatement(table string) string {
	return `INSERT INTO ` + table + ` (id, generation) VALUES ($1, 1) ON CONFLICT (id) DO UPDATE SET ` +
		`query='', response='', notice='', failure_kind='', failure_message='', ` +
		`file_name=NULL, file_type=NULL, file_data=NULL, ` +
		`generation=` + table + `.generation+1, updated_at=now()`
}
