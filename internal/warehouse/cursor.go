package warehouse

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/perfatlas/perfatlas/internal/resilience"
)

// maxRowsPerPage is the protocol cap on rows per page fetch. Requests above
// it are clamped down before hitting the backend.
const maxRowsPerPage = 2000

// ErrDeadline is returned when a cursor's absolute time budget is exhausted.
// It is classified transient so the task-queue layer redelivers the task.
var ErrDeadline = eris.New("warehouse: cursor deadline exceeded")

// defaultRetryDelay is the pause between page-fetch retries, giving a
// struggling backend room to recover.
const defaultRetryDelay = 2 * time.Second

// CursorOptions tunes a single cursor.
type CursorOptions struct {
	// PageCap limits rows requested per fetch. Clamped to the protocol max.
	PageCap int
	// Timeout is the absolute budget for the whole cursor lifetime, covering
	// every page fetch and retry. Zero fails the first fetch immediately.
	Timeout time.Duration
	// Retries is the per-page retry budget on transient errors. Default 4.
	Retries int
	// RetryDelay is the pause between retry attempts. Default 2s.
	RetryDelay time.Duration
}

// Cursor is a resumable handle over one issued query's paginated results.
// It is not safe for concurrent use; each query split gets its own cursor.
type Cursor struct {
	backend Backend
	jobID   string

	offset     int
	total      int // -1 until the first page reports it
	columns    []string
	pageCap    int
	retries    int
	retryDelay time.Duration
	deadline   time.Time
	done       bool
}

// Open issues the query and returns a cursor positioned at the first row.
func Open(ctx context.Context, backend Backend, sql string, opts CursorOptions) (*Cursor, error) {
	pageCap := opts.PageCap
	if pageCap <= 0 || pageCap > maxRowsPerPage {
		pageCap = maxRowsPerPage
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = 4
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	jobID, err := backend.IssueQuery(ctx, sql)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: open cursor")
	}

	return &Cursor{
		backend:    backend,
		jobID:      jobID,
		total:      -1,
		pageCap:    pageCap,
		retries:    retries,
		retryDelay: retryDelay,
		deadline:   time.Now().Add(opts.Timeout),
	}, nil
}

// HasMore reports whether rows remain to be fetched.
func (c *Cursor) HasMore() bool {
	return !c.done
}

// Columns returns the result schema. Populated after the first page that
// carries schema metadata; schema arriving on a later page is merged so the
// value is coherent for the cursor's whole life.
func (c *Cursor) Columns() []string {
	return c.columns
}

// FetchPage retrieves the next page of up to pageSize rows. The cursor's
// absolute deadline is checked before any network call. Transient backend
// errors are retried at the same offset with the requested page size halved
// each attempt, then propagated once the retry budget is spent.
//
// A query that matches no rows is not an error: FetchPage returns an empty
// page and HasMore turns false.
func (c *Cursor) FetchPage(ctx context.Context, pageSize int) (*Page, error) {
	if c.done {
		return &Page{Columns: c.columns}, nil
	}
	if pageSize <= 0 || pageSize > c.pageCap {
		pageSize = c.pageCap
	}

	page, err := c.fetchWithRetry(ctx, pageSize)
	if err != nil {
		return nil, err
	}
	c.mergeColumns(page.Columns)

	if page.TotalRows == 0 {
		c.done = true
		return &Page{Columns: c.columns}, nil
	}

	rows := page.Rows
	total := page.TotalRows
	c.offset += len(page.Rows)

	// Some backends omit schema metadata from early pages. Keep fetching at
	// the advancing offset until it shows up, accumulating the rows, so every
	// page handed to the caller carries a coherent column list.
	for len(c.columns) == 0 && c.offset < total && len(page.Rows) > 0 {
		page, err = c.fetchWithRetry(ctx, pageSize)
		if err != nil {
			return nil, err
		}
		c.mergeColumns(page.Columns)
		rows = append(rows, page.Rows...)
		c.offset += len(page.Rows)
		if page.TotalRows > 0 {
			total = page.TotalRows
		}
	}

	if c.offset >= total || len(rows) == 0 {
		c.done = true
	}
	if c.total < 0 {
		c.total = total
	}

	return &Page{Columns: c.columns, Rows: rows, TotalRows: total}, nil
}

func (c *Cursor) mergeColumns(cols []string) {
	if len(cols) > 0 && len(c.columns) == 0 {
		c.columns = cols
	}
}

func (c *Cursor) fetchWithRetry(ctx context.Context, pageSize int) (*Page, error) {
	var lastErr error
	size := pageSize

	for attempt := 0; attempt <= c.retries; attempt++ {
		if !time.Now().Before(c.deadline) {
			return nil, resilience.NewTransientError(
				eris.Wrapf(ErrDeadline, "warehouse: job %s at row %d", c.jobID, c.offset), 0)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := c.backend.FetchResults(ctx, c.jobID, c.offset, size)
		if err == nil {
			return page, nil
		}
		lastErr = err

		if !resilience.IsTransient(err) {
			return nil, err
		}

		zap.L().Warn("warehouse: page fetch failed, retrying at same offset",
			zap.String("job_id", c.jobID),
			zap.Int("offset", c.offset),
			zap.Int("page_size", size),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)

		// Shrink the request: sometimes the failure is the response being
		// too large to return.
		if size > 1 {
			size /= 2
		}

		if attempt < c.retries {
			timer := time.NewTimer(c.retryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return nil, eris.Wrapf(lastErr, "warehouse: job %s exhausted %d retries at row %d", c.jobID, c.retries, c.offset)
}
