// Package tasks is the work-distribution layer: a Postgres-backed task
// queue, the dispatcher that expands coarse work requests into concrete
// metric-month tasks, and the worker pool that drains the queue.
package tasks

import "github.com/rotisserie/eris"

// Recognized request kinds.
const (
	RequestDeleteMetric  = "delete_metric"
	RequestRefreshMetric = "refresh_metric"
	RequestUpdateMetric  = "update_metric"
	RequestUpdateLocales = "update_locales"
)

// Recognized parameter keys. Tasks are flat string-keyed maps; no response
// is ever returned to the enqueuer.
const (
	KeyRequest = "request"
	KeyMetric  = "metric"
	KeyDate    = "date"
)

// Task is one claimed unit of work.
type Task struct {
	ID       string
	Params   map[string]string
	Attempts int
}

// Request returns the task's request kind.
func (t *Task) Request() string { return t.Params[KeyRequest] }

// Metric returns the metric parameter, empty if unset.
func (t *Task) Metric() string { return t.Params[KeyMetric] }

// Date returns the date parameter (YYYY_MM), empty if unset.
func (t *Task) Date() string { return t.Params[KeyDate] }

// ValidateParams checks that a request map names a recognized request kind.
func ValidateParams(params map[string]string) error {
	switch params[KeyRequest] {
	case RequestDeleteMetric, RequestRefreshMetric, RequestUpdateMetric, RequestUpdateLocales:
		return nil
	case "":
		return eris.New("tasks: missing request parameter")
	default:
		return eris.Errorf("tasks: unrecognized request %q", params[KeyRequest])
	}
}
