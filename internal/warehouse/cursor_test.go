package warehouse

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfatlas/perfatlas/internal/resilience"
)

type fetchCall struct {
	offset, maxRows int
}

// scriptedBackend replays a per-call script and records every fetch.
type scriptedBackend struct {
	issueErr error
	script   func(call int, offset, maxRows int) (*Page, error)
	calls    []fetchCall
	tables   []string
}

func (b *scriptedBackend) IssueQuery(context.Context, string) (string, error) {
	if b.issueErr != nil {
		return "", b.issueErr
	}
	return "job-1", nil
}

func (b *scriptedBackend) FetchResults(_ context.Context, _ string, offset, maxRows int) (*Page, error) {
	b.calls = append(b.calls, fetchCall{offset, maxRows})
	return b.script(len(b.calls)-1, offset, maxRows)
}

func (b *scriptedBackend) ListTables(context.Context) ([]string, error) {
	return b.tables, nil
}

func staticPage(columns []string, rows [][]string, total int) func(int, int, int) (*Page, error) {
	return func(int, int, int) (*Page, error) {
		return &Page{Columns: columns, Rows: rows, TotalRows: total}, nil
	}
}

func TestCursor_OpenFailure(t *testing.T) {
	backend := &scriptedBackend{issueErr: eris.New("bad query")}
	_, err := Open(context.Background(), backend, "SELECT 1", CursorOptions{Timeout: time.Minute})
	assert.Error(t, err)
}

func TestCursor_DeadlineBeforeFirstFetch(t *testing.T) {
	backend := &scriptedBackend{script: staticPage([]string{"a"}, nil, 1)}
	cur, err := Open(context.Background(), backend, "SELECT 1", CursorOptions{Timeout: 0})
	require.NoError(t, err)

	_, err = cur.FetchPage(context.Background(), 100)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeadline)
	assert.True(t, resilience.IsTransient(err))
	assert.Empty(t, backend.calls, "deadline must be checked before any network call")
}

func TestCursor_NoResults(t *testing.T) {
	backend := &scriptedBackend{script: staticPage([]string{"a"}, nil, 0)}
	cur, err := Open(context.Background(), backend, "SELECT 1", CursorOptions{Timeout: time.Minute})
	require.NoError(t, err)

	page, err := cur.FetchPage(context.Background(), 100)
	require.NoError(t, err)
	assert.Empty(t, page.Rows)
	assert.False(t, cur.HasMore())
}

func TestCursor_PagesThroughResults(t *testing.T) {
	rows := [][]string{{"1"}, {"2"}, {"3"}, {"4"}, {"5"}}
	backend := &scriptedBackend{
		script: func(_ int, offset, maxRows int) (*Page, error) {
			end := offset + maxRows
			if end > len(rows) {
				end = len(rows)
			}
			return &Page{Columns: []string{"value"}, Rows: rows[offset:end], TotalRows: len(rows)}, nil
		},
	}

	cur, err := Open(context.Background(), backend, "SELECT 1", CursorOptions{Timeout: time.Minute})
	require.NoError(t, err)

	var got [][]string
	for cur.HasMore() {
		page, err := cur.FetchPage(context.Background(), 2)
		require.NoError(t, err)
		got = append(got, page.Rows...)
	}

	assert.Equal(t, rows, got)
	require.Len(t, backend.calls, 3)
	assert.Equal(t, []fetchCall{{0, 2}, {2, 2}, {4, 2}}, backend.calls)
}

func TestCursor_RetriesSameOffsetWithHalvedPages(t *testing.T) {
	backend := &scriptedBackend{
		script: func(call, offset, maxRows int) (*Page, error) {
			if call < 2 {
				return nil, resilience.NewTransientError(eris.New("response too large"), 503)
			}
			return &Page{Columns: []string{"a"}, Rows: [][]string{{"x"}}, TotalRows: 1}, nil
		},
	}

	cur, err := Open(context.Background(), backend, "SELECT 1",
		CursorOptions{Timeout: time.Minute, Retries: 4, RetryDelay: time.Millisecond})
	require.NoError(t, err)

	page, err := cur.FetchPage(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, page.Rows, 1)

	require.Len(t, backend.calls, 3)
	assert.Equal(t, []fetchCall{{0, 100}, {0, 50}, {0, 25}}, backend.calls)
}

func TestCursor_RetryBudgetExhausted(t *testing.T) {
	backend := &scriptedBackend{
		script: func(int, int, int) (*Page, error) {
			return nil, resilience.NewTransientError(eris.New("still down"), 503)
		},
	}

	cur, err := Open(context.Background(), backend, "SELECT 1",
		CursorOptions{Timeout: time.Minute, Retries: 2, RetryDelay: time.Millisecond})
	require.NoError(t, err)

	_, err = cur.FetchPage(context.Background(), 8)
	require.Error(t, err)
	// First attempt plus two retries, page size halved each time.
	assert.Equal(t, []fetchCall{{0, 8}, {0, 4}, {0, 2}}, backend.calls)
}

func TestCursor_PausesBetweenRetries(t *testing.T) {
	backend := &scriptedBackend{
		script: func(call, offset, maxRows int) (*Page, error) {
			if call < 2 {
				return nil, resilience.NewTransientError(eris.New("flaky"), 503)
			}
			return &Page{Columns: []string{"a"}, Rows: [][]string{{"x"}}, TotalRows: 1}, nil
		},
	}

	cur, err := Open(context.Background(), backend, "SELECT 1",
		CursorOptions{Timeout: time.Minute, Retries: 4, RetryDelay: 30 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	_, err = cur.FetchPage(context.Background(), 10)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond, "two retries must each wait the configured delay")
}

func TestCursor_RetryPauseStopsOnCancel(t *testing.T) {
	backend := &scriptedBackend{
		script: func(int, int, int) (*Page, error) {
			return nil, resilience.NewTransientError(eris.New("flaky"), 503)
		},
	}

	cur, err := Open(context.Background(), backend, "SELECT 1",
		CursorOptions{Timeout: time.Minute, Retries: 4, RetryDelay: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = cur.FetchPage(ctx, 10)
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, backend.calls, 1)
}

func TestCursor_PermanentErrorNotRetried(t *testing.T) {
	backend := &scriptedBackend{
		script: func(int, int, int) (*Page, error) {
			return nil, eris.New("syntax error in query")
		},
	}

	cur, err := Open(context.Background(), backend, "SELECT 1", CursorOptions{Timeout: time.Minute, Retries: 4})
	require.NoError(t, err)

	_, err = cur.FetchPage(context.Background(), 10)
	require.Error(t, err)
	assert.Len(t, backend.calls, 1)
}

func TestCursor_SchemaArrivingLateIsMerged(t *testing.T) {
	// Schema metadata only shows up on the second remote page; the first
	// page handed to the caller must already carry it, with the rows from
	// both remote fetches accumulated.
	backend := &scriptedBackend{
		script: func(call, offset, maxRows int) (*Page, error) {
			if call == 0 {
				return &Page{Rows: [][]string{{"1"}}, TotalRows: 3}, nil
			}
			return &Page{Columns: []string{"value"}, Rows: [][]string{{"2"}}, TotalRows: 3}, nil
		},
	}

	cur, err := Open(context.Background(), backend, "SELECT 1", CursorOptions{Timeout: time.Minute})
	require.NoError(t, err)

	page, err := cur.FetchPage(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []string{"value"}, page.Columns)
	assert.Equal(t, [][]string{{"1"}, {"2"}}, page.Rows)
	assert.Equal(t, []string{"value"}, cur.Columns())
	require.Len(t, backend.calls, 2)

	// The extra fetch advanced the offset; the next page resumes after it.
	require.True(t, cur.HasMore())
	page, err = cur.FetchPage(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"value"}, page.Columns)
	assert.Equal(t, fetchCall{2, 1}, backend.calls[2])
	assert.False(t, cur.HasMore())
}

func TestCursor_SchemaNeverArrives(t *testing.T) {
	// A backend that exhausts its rows without ever reporting schema must
	// terminate rather than loop; the caller sees the rows and no columns.
	backend := &scriptedBackend{
		script: func(call, offset, maxRows int) (*Page, error) {
			if offset >= 2 {
				return &Page{TotalRows: 2}, nil
			}
			return &Page{Rows: [][]string{{"x"}}, TotalRows: 2}, nil
		},
	}

	cur, err := Open(context.Background(), backend, "SELECT 1", CursorOptions{Timeout: time.Minute})
	require.NoError(t, err)

	page, err := cur.FetchPage(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, page.Columns)
	assert.Len(t, page.Rows, 2)
	assert.False(t, cur.HasMore())
}

func TestCursor_ClampsPageSize(t *testing.T) {
	backend := &scriptedBackend{script: staticPage([]string{"a"}, [][]string{{"x"}}, 1)}
	cur, err := Open(context.Background(), backend, "SELECT 1", CursorOptions{Timeout: time.Minute, PageCap: 10})
	require.NoError(t, err)

	_, err = cur.FetchPage(context.Background(), 99999)
	require.NoError(t, err)
	require.Len(t, backend.calls, 1)
	assert.Equal(t, 10, backend.calls[0].maxRows)
}
