package tasks

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/perfatlas/perfatlas/internal/metrics"
)

// Enqueuer submits expanded sub-requests back onto the task queue. Each
// sub-task is a fresh unit of work: one failing does not abort its siblings,
// and the queue's retry policy applies to each uniformly.
type Enqueuer interface {
	Enqueue(ctx context.Context, params map[string]string) (string, error)
}

// MetricStore is the slice of the relational store the dispatcher needs.
type MetricStore interface {
	ListNames(ctx context.Context) ([]string, error)
	ExistingMonths(ctx context.Context, metric string) ([]metrics.YearMonth, error)
	DeleteInfo(ctx context.Context, metric string) error
	DeleteAllData(ctx context.Context, metric string) error
	DeleteMonth(ctx context.Context, metric string, month metrics.YearMonth) error
}

// Computer runs the terminal metric-month aggregation.
type Computer interface {
	ComputeMetricMonth(ctx context.Context, metric string, month metrics.YearMonth) error
}

// TableLister enumerates warehouse tables for month expansion.
type TableLister interface {
	ListTables(ctx context.Context) ([]string, error)
}

// Refresher force-rebuilds a locale snapshot (catalog or index).
type Refresher interface {
	ForceRefresh(ctx context.Context) error
}

// Dispatcher expands under-specified work requests into concrete
// (metric, month) tasks and executes terminal ones.
type Dispatcher struct {
	store       MetricStore
	warehouse   TableLister
	computer    Computer
	queue       Enqueuer
	catalog     Refresher
	index       Refresher
	tablePrefix string
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(store MetricStore, wh TableLister, computer Computer, queue Enqueuer, catalog, index Refresher, tablePrefix string) *Dispatcher {
	return &Dispatcher{
		store:       store,
		warehouse:   wh,
		computer:    computer,
		queue:       queue,
		catalog:     catalog,
		index:       index,
		tablePrefix: tablePrefix,
	}
}

// Handle executes one claimed task. Expansion is a pure reduction: every
// emitted sub-request goes back through the queue rather than fanning out in
// process, so each is independently re-submittable and idempotent.
func (d *Dispatcher) Handle(ctx context.Context, task *Task) error {
	zap.L().Info("handling task",
		zap.String("task_id", task.ID),
		zap.String("request", task.Request()),
		zap.String("metric", task.Metric()),
		zap.String("date", task.Date()),
	)

	switch task.Request() {
	case RequestUpdateLocales:
		return d.updateLocales(ctx)
	case RequestDeleteMetric:
		return d.deleteMetric(ctx, task)
	case RequestRefreshMetric, RequestUpdateMetric:
		return d.handleMetricRequest(ctx, task)
	default:
		return eris.Errorf("tasks: unrecognized request %q", task.Request())
	}
}

func (d *Dispatcher) updateLocales(ctx context.Context) error {
	if err := d.catalog.ForceRefresh(ctx); err != nil {
		return eris.Wrap(err, "update locales: catalog")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.index.ForceRefresh(ctx); err != nil {
		return eris.Wrap(err, "update locales: index")
	}
	return nil
}

func (d *Dispatcher) deleteMetric(ctx context.Context, task *Task) error {
	metric := task.Metric()
	if metric == "" {
		return eris.New("tasks: delete_metric requires a metric")
	}

	if err := d.store.DeleteInfo(ctx, metric); err != nil {
		return eris.Wrapf(err, "delete metric %s", metric)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.store.DeleteAllData(ctx, metric); err != nil {
		return eris.Wrapf(err, "delete metric %s", metric)
	}

	zap.L().Info("deleted metric", zap.String("metric", metric))
	return nil
}

func (d *Dispatcher) handleMetricRequest(ctx context.Context, task *Task) error {
	if task.Metric() == "" {
		return d.expandMetrics(ctx, task)
	}
	if task.Date() == "" {
		return d.expandMonths(ctx, task)
	}
	return d.runTerminal(ctx, task)
}

// expandMetrics re-issues the request once per known metric.
func (d *Dispatcher) expandMetrics(ctx context.Context, task *Task) error {
	names, err := d.store.ListNames(ctx)
	if err != nil {
		return eris.Wrap(err, "expand metrics")
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		params := map[string]string{KeyRequest: task.Request(), KeyMetric: name}
		if date := task.Date(); date != "" {
			params[KeyDate] = date
		}
		if _, err := d.queue.Enqueue(ctx, params); err != nil {
			return eris.Wrapf(err, "expand metrics: enqueue %s", name)
		}
	}

	zap.L().Info("expanded request across metrics",
		zap.String("request", task.Request()),
		zap.Int("metrics", len(names)),
	)
	return nil
}

// expandMonths emits one task per month. A refresh covers only months the
// warehouse has but the relational store lacks; an update (force recompute)
// covers every month the warehouse has.
func (d *Dispatcher) expandMonths(ctx context.Context, task *Task) error {
	metric := task.Metric()

	tables, err := d.warehouse.ListTables(ctx)
	if err != nil {
		return eris.Wrapf(err, "expand months for %s", metric)
	}
	available := metrics.MonthsFromTables(tables, d.tablePrefix)

	months := available
	if task.Request() == RequestRefreshMetric {
		stored, err := d.store.ExistingMonths(ctx, metric)
		if err != nil {
			return eris.Wrapf(err, "expand months for %s", metric)
		}
		months = metrics.MissingMonths(available, stored)
	}

	for _, month := range months {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := d.queue.Enqueue(ctx, map[string]string{
			KeyRequest: task.Request(),
			KeyMetric:  metric,
			KeyDate:    month.String(),
		})
		if err != nil {
			return eris.Wrapf(err, "expand months: enqueue %s %s", metric, month)
		}
	}

	zap.L().Info("expanded request across months",
		zap.String("request", task.Request()),
		zap.String("metric", metric),
		zap.Int("months", len(months)),
	)
	return nil
}

// runTerminal executes a fully-specified (metric, month) task. An update
// clears the month's existing datapoints first so rows for locales that no
// longer meet the sample threshold don't linger.
func (d *Dispatcher) runTerminal(ctx context.Context, task *Task) error {
	month, err := metrics.ParseYearMonth(task.Date())
	if err != nil {
		return err
	}

	if task.Request() == RequestUpdateMetric {
		if err := d.store.DeleteMonth(ctx, task.Metric(), month); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	return d.computer.ComputeMetricMonth(ctx, task.Metric(), month)
}
