// Package metrics exposes engine activity as Prometheus collectors fed from
// the event bus.
package metrics

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joshharrison/weft/internal/events"
)

// Collector holds the weft collectors. Create one with New and feed it with
// Attach.
type Collector struct {
	tasks           *prometheus.GaugeVec
	events          *prometheus.CounterVec
	unblocked       prometheus.Counter
	taskDuration    *prometheus.HistogramVec
	planDuration    prometheus.Gauge
	criticalPathLen prometheus.Gauge
	conflicts       prometheus.Gauge
	resourcesHeld   prometheus.Gauge

	mu      sync.Mutex
	started map[string]time.Time
	held    map[string]bool
	now     func() time.Time
}

// New builds the collectors and registers them on reg. Collectors that are
// already registered under the same name are reused.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		started: make(map[string]time.Time),
		held:    make(map[string]bool),
		now:     time.Now,
	}

	var err error
	if c.tasks, err = register(reg, prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "weft_tasks", Help: "Number of tasks in the graph by status."},
		[]string{"status"},
	)); err != nil {
		return nil, err
	}
	if c.events, err = register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "weft_events_total", Help: "Total number of engine events by name."},
		[]string{"event"},
	)); err != nil {
		return nil, err
	}
	if c.unblocked, err = register(reg, prometheus.NewCounter(
		prometheus.CounterOpts{Name: "weft_tasks_unblocked_total", Help: "Total number of tasks unblocked by completions."},
	)); err != nil {
		return nil, err
	}
	if c.taskDuration, err = register(reg, prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "weft_task_run_duration_seconds", Help: "Wall time between a task starting and finishing, by outcome.", Buckets: prometheus.DefBuckets},
		[]string{"outcome"},
	)); err != nil {
		return nil, err
	}
	if c.planDuration, err = register(reg, prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "weft_plan_estimated_duration", Help: "Estimated duration of the most recent plan."},
	)); err != nil {
		return nil, err
	}
	if c.criticalPathLen, err = register(reg, prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "weft_plan_critical_path_tasks", Help: "Number of tasks on the most recent critical path."},
	)); err != nil {
		return nil, err
	}
	if c.conflicts, err = register(reg, prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "weft_plan_resource_conflicts", Help: "Resource conflicts in the most recent plan."},
	)); err != nil {
		return nil, err
	}
	if c.resourcesHeld, err = register(reg, prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "weft_resources_held", Help: "Number of resources currently held."},
	)); err != nil {
		return nil, err
	}
	return c, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	if err := reg.Register(col); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return col, fmt.Errorf("register metrics collector: %w", err)
	}
	return col, nil
}

// Attach subscribes the collector to every event on bus. The returned func
// detaches it.
func (c *Collector) Attach(bus *events.Bus) func() {
	return bus.Subscribe(c.Handle)
}

// Handle updates the collectors for one event.
func (c *Collector) Handle(ev events.Event) {
	c.events.WithLabelValues(ev.Name()).Inc()

	switch e := ev.(type) {
	case events.MetricsUpdated:
		c.tasks.WithLabelValues("pending").Set(float64(e.Pending))
		c.tasks.WithLabelValues("blocked").Set(float64(e.Blocked))
		c.tasks.WithLabelValues("ready").Set(float64(e.Ready))
		c.tasks.WithLabelValues("running").Set(float64(e.Running))
		c.tasks.WithLabelValues("completed").Set(float64(e.Completed))
		c.tasks.WithLabelValues("failed").Set(float64(e.Failed))
		c.tasks.WithLabelValues("skipped").Set(float64(e.Skipped))
	case events.TaskRunning:
		c.mu.Lock()
		c.started[e.TaskID] = c.now()
		c.mu.Unlock()
	case events.TaskCompleted:
		c.finish(e.TaskID, "completed")
	case events.TaskFailed:
		c.finish(e.TaskID, "failed")
	case events.TasksUnblocked:
		c.unblocked.Add(float64(len(e.TaskIDs)))
	case events.ResourceAcquired:
		c.setHeld(e.Resource, true)
	case events.ResourceReleased:
		c.setHeld(e.Resource, false)
	case events.PlanCalculated:
		c.planDuration.Set(e.EstimatedDuration)
		c.criticalPathLen.Set(float64(len(e.CriticalPath)))
		c.conflicts.Set(float64(e.ResourceConflicts))
	}
}

// finish observes the run time of a task that was seen starting. Tasks
// completed without a start (replays, manual completions) are not observed.
func (c *Collector) finish(taskID, outcome string) {
	c.mu.Lock()
	start, ok := c.started[taskID]
	delete(c.started, taskID)
	c.mu.Unlock()
	if ok {
		c.taskDuration.WithLabelValues(outcome).Observe(c.now().Sub(start).Seconds())
	}
}

func (c *Collector) setHeld(resource string, held bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if held {
		c.held[resource] = true
	} else {
		delete(c.held, resource)
	}
	c.resourcesHeld.Set(float64(len(c.held)))
}
