package warehouse

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (Querier, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func TestLastStatementID(t *testing.T) {
	ctx := context.Background()

	t.Run("unload uses pg_last_query_id", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery(regexp.QuoteMeta(lastQueryIDSQL)).
			WillReturnRows(sqlmock.NewRows([]string{"pg_last_query_id"}).AddRow(int64(4711)))

		id, ok, err := LastStatementID(ctx, db, KeywordUnload)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(4711), id)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("copy uses pg_last_copy_id and treats -1 as none", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery(regexp.QuoteMeta(lastCopyIDSQL)).
			WillReturnRows(sqlmock.NewRows([]string{"pg_last_copy_id"}).AddRow(int64(-1)))

		_, ok, err := LastStatementID(ctx, db, KeywordCopy)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("null is none", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery(regexp.QuoteMeta(lastQueryIDSQL)).
			WillReturnRows(sqlmock.NewRows([]string{"pg_last_query_id"}).AddRow(nil))

		_, ok, err := LastStatementID(ctx, db, KeywordUnload)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestResolveStatementID(t *testing.T) {
	ctx := context.Background()
	f := Filter{
		Keyword: KeywordUnload,
		Path:    "s3://exports/daily_orders/",
		Table:   "orders",
		Role:    "arn:aws:iam::1:role/r",
	}

	t.Run("match", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery("SELECT query FROM stl_query").
			WithArgs("%unload%", `%s3://exports/daily\_orders/%`, "%orders%", "%arn:aws:iam::1:role/r%").
			WillReturnRows(sqlmock.NewRows([]string{"query"}).AddRow(int64(99)))

		id, ok, err := ResolveStatementID(ctx, db, f)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(99), id)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no rows is not an error", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery("SELECT query FROM stl_query").
			WillReturnRows(sqlmock.NewRows([]string{"query"}))

		_, ok, err := ResolveStatementID(ctx, db, f)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("query error", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery("SELECT query FROM stl_query").WillReturnError(errors.New("boom"))

		_, _, err := ResolveStatementID(ctx, db, f)
		assert.Error(t, err)
	})
}

func TestStatementStatus(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cols := []string{"starttime", "endtime", "aborted"}

	cases := []struct {
		name  string
		rows  *sqlmock.Rows
		token string
	}{
		{"missing", sqlmock.NewRows(cols), "pending"},
		{"running", sqlmock.NewRows(cols).AddRow(start, nil, int64(0)), "running"},
		{"aborted", sqlmock.NewRows(cols).AddRow(start, start.Add(time.Minute), int64(1)), "aborted"},
		{"success", sqlmock.NewRows(cols).AddRow(start, start.Add(time.Minute), int64(0)), "success"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newMock(t)
			mock.ExpectQuery("SELECT starttime, endtime, aborted FROM stl_query").
				WithArgs(int64(7)).
				WillReturnRows(tc.rows)

			state, err := StatementStatus(ctx, db, 7)
			require.NoError(t, err)
			assert.Equal(t, tc.token, state.Token())
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestCommittedFiles(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM stl_load_commits").
		WithArgs(int64(12)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))

	n, err := CommittedFiles(context.Background(), db, 12)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
