package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Execution-catalog queries. stl_query keeps one row per statement with its
// start/end time and abort flag; stl_load_commits keeps one row per file a
// COPY committed.
const (
	lastQueryIDSQL = `SELECT pg_last_query_id()`
	lastCopyIDSQL  = `SELECT pg_last_copy_id()`

	resolveStatementSQL = `SELECT query FROM stl_query
WHERE querytxt ILIKE $1
  AND querytxt ILIKE $2
  AND querytxt ILIKE $3
  AND querytxt ILIKE $4
ORDER BY starttime DESC
LIMIT 1`

	statementStatusSQL = `SELECT starttime, endtime, aborted FROM stl_query WHERE query = $1`

	committedFilesSQL = `SELECT COUNT(*) FROM stl_load_commits WHERE query = $1`
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx. Session-scoped
// lookups (pg_last_query_id) need a *sql.Conn.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// LastStatementID asks the session for the id of its most recent statement
// of the given kind. ok is false when the session reports none (-1 or NULL).
func LastStatementID(ctx context.Context, q Querier, keyword string) (id int64, ok bool, err error) {
	query := lastQueryIDSQL
	if keyword == KeywordCopy {
		query = lastCopyIDSQL
	}

	var v sql.NullInt64
	if err := q.QueryRowContext(ctx, query).Scan(&v); err != nil {
		return 0, false, fmt.Errorf("failed to read last %s id: %w", keyword, err)
	}
	if !v.Valid || v.Int64 <= 0 {
		return 0, false, nil
	}
	return v.Int64, true, nil
}

// Filter narrows the catalog search to statements whose text contains every
// token. Matching is a heuristic: an unrelated statement sharing all tokens
// can still win if it started later.
type Filter struct {
	Keyword string
	Path    string
	Table   string
	Role    string
}

// ResolveStatementID searches stl_query for the newest statement matching f.
// A miss is reported with ok=false and a nil error.
func ResolveStatementID(ctx context.Context, q Querier, f Filter) (id int64, ok bool, err error) {
	err = q.QueryRowContext(ctx, resolveStatementSQL,
		containsPattern(f.Keyword),
		containsPattern(f.Path),
		containsPattern(f.Table),
		containsPattern(f.Role),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to resolve statement id: %w", err)
	}
	return id, true, nil
}

// StatementState is one observation of a statement in the catalog.
type StatementState struct {
	Found     bool
	StartTime time.Time
	EndTime   sql.NullTime
	Aborted   bool
}

// Token is the raw catalog status word reported alongside every result.
func (s StatementState) Token() string {
	switch {
	case !s.Found:
		return "pending"
	case !s.EndTime.Valid:
		return "running"
	case s.Aborted:
		return "aborted"
	default:
		return "success"
	}
}

// StatementStatus reads the catalog row for id. A missing row is not an
// error; statements appear in stl_query only once the leader has logged them.
func StatementStatus(ctx context.Context, q Querier, id int64) (StatementState, error) {
	var (
		state   StatementState
		start   sql.NullTime
		aborted sql.NullInt64
	)
	err := q.QueryRowContext(ctx, statementStatusSQL, id).Scan(&start, &state.EndTime, &aborted)
	if errors.Is(err, sql.ErrNoRows) {
		return StatementState{}, nil
	}
	if err != nil {
		return StatementState{}, fmt.Errorf("failed to read status of statement %d: %w", id, err)
	}
	state.Found = true
	state.StartTime = start.Time
	state.Aborted = aborted.Valid && aborted.Int64 != 0
	return state, nil
}

// CommittedFiles counts the files a COPY committed.
func CommittedFiles(ctx context.Context, q Querier, id int64) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx, committedFilesSQL, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count committed files of statement %d: %w", id, err)
	}
	return n, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern builds an ILIKE pattern matching s anywhere in the text.
func containsPattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}
