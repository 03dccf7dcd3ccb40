// Package warehouse is the client for the analytical query service that
// holds raw network-performance test records. Queries run as asynchronous
// jobs whose results are fetched in bounded pages.
package warehouse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/perfatlas/perfatlas/internal/resilience"
)

// Backend is the analytical query contract consumed by cursors and the
// task dispatcher.
type Backend interface {
	IssueQuery(ctx context.Context, sql string) (string, error)
	FetchResults(ctx context.Context, jobID string, startIndex, maxRows int) (*Page, error)
	ListTables(ctx context.Context) ([]string, error)
}

// Page is one fetched slice of a query result set. TotalRows is the size of
// the full result set; zero means the query matched nothing, which the
// backend reports as a first-class outcome rather than an error.
type Page struct {
	Columns   []string   `json:"columns"`
	Rows      [][]string `json:"rows"`
	TotalRows int        `json:"total_rows"`
}

// ClientOptions configures the warehouse HTTP client.
type ClientOptions struct {
	BaseURL        string
	Timeout        time.Duration
	RequestsPerSec float64
}

// Client talks to the warehouse REST API with request pacing and retries on
// query submission.
type Client struct {
	baseURL string
	httpc   *http.Client
	limiter *rate.Limiter
}

// NewClient creates a warehouse client with the given options.
func NewClient(opts ClientOptions) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 10
	}
	return &Client{
		baseURL: opts.BaseURL,
		httpc: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSec), int(opts.RequestsPerSec)),
	}
}

// IssueQuery submits a query job and returns its job id. Submission is
// retried on transient failures since it is idempotent from the caller's
// point of view (an orphaned job is garbage-collected by the backend).
func (c *Client) IssueQuery(ctx context.Context, sql string) (string, error) {
	cfg := resilience.DefaultRetryConfig()
	cfg.OnRetry = resilience.RetryLogger("warehouse", "issue query")

	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (string, error) {
		body, err := json.Marshal(map[string]string{"query": sql})
		if err != nil {
			return "", eris.Wrap(err, "warehouse: marshal query")
		}

		var resp struct {
			JobID string `json:"job_id"`
		}
		if err := c.doJSON(ctx, http.MethodPost, "/v1/queries", bytes.NewReader(body), &resp); err != nil {
			return "", err
		}
		if resp.JobID == "" {
			return "", eris.New("warehouse: empty job id in response")
		}
		return resp.JobID, nil
	})
}

// FetchResults retrieves one page of a query job's results starting at
// startIndex, returning at most maxRows rows.
func (c *Client) FetchResults(ctx context.Context, jobID string, startIndex, maxRows int) (*Page, error) {
	path := fmt.Sprintf("/v1/queries/%s/results?start_index=%d&max_results=%d", jobID, startIndex, maxRows)

	var page Page
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, eris.Wrapf(err, "warehouse: fetch results for job %s at %d", jobID, startIndex)
	}
	return &page, nil
}

// ListTables returns the names of all tables in the warehouse dataset.
func (c *Client) ListTables(ctx context.Context) ([]string, error) {
	var resp struct {
		Tables []string `json:"tables"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/tables", nil, &resp); err != nil {
		return nil, eris.Wrap(err, "warehouse: list tables")
	}
	return resp.Tables, nil
}

// doJSON performs one rate-limited request and decodes the JSON response.
// 5xx and 429 responses are classified transient; other non-2xx responses
// are permanent query errors.
func (c *Client) doJSON(ctx context.Context, method, path string, body io.Reader, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "warehouse: rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return eris.Wrap(err, "warehouse: create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "warehouse: request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return resilience.NewTransientError(
			eris.Errorf("warehouse: http %d from %s", resp.StatusCode, path), resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("warehouse: http %d from %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return eris.Wrap(err, "warehouse: decode response")
	}
	return nil
}
