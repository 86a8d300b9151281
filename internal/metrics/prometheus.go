package metrics

import (
	"context"
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const promNamespace = "hl_basis_rebalancer"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

// Prometheus keeps run counters in a private registry. A single run exits
// before any scrape could happen, so the registry is pushed to a Pushgateway.
type Prometheus struct {
	Metrics *Metrics

	registry      *prometheus.Registry
	runsStarted   prometheus.Counter
	runsSucceeded prometheus.Counter
	runsFailed    prometheus.Counter
	runsAborted   prometheus.Counter
	ordersPlaced  prometheus.Counter
	ordersFailed  prometheus.Counter
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	runsStarted := newCounter("runs_started_total", "Total number of rebalance runs started.")
	runsSucceeded := newCounter("runs_succeeded_total", "Total number of rebalance runs that reached DONE.")
	runsFailed := newCounter("runs_failed_total", "Total number of rebalance runs that ended FAILED.")
	runsAborted := newCounter("runs_aborted_total", "Total number of rebalance runs declined at confirmation.")
	ordersPlaced := newCounter("orders_placed_total", "Total number of exchange actions accepted by the venue.")
	ordersFailed := newCounter("orders_failed_total", "Total number of exchange actions rejected or unfilled.")

	registry.MustRegister(runsStarted, runsSucceeded, runsFailed, runsAborted, ordersPlaced, ordersFailed)

	m := &Metrics{
		RunsStarted:   promCounter{runsStarted},
		RunsSucceeded: promCounter{runsSucceeded},
		RunsFailed:    promCounter{runsFailed},
		RunsAborted:   promCounter{runsAborted},
		OrdersPlaced:  promCounter{ordersPlaced},
		OrdersFailed:  promCounter{ordersFailed},
	}

	return &Prometheus{
		Metrics:       m,
		registry:      registry,
		runsStarted:   runsStarted,
		runsSucceeded: runsSucceeded,
		runsFailed:    runsFailed,
		runsAborted:   runsAborted,
		ordersPlaced:  ordersPlaced,
		ordersFailed:  ordersFailed,
	}
}

// Push replaces the job's metric group on the gateway.
func (p *Prometheus) Push(ctx context.Context, url, job string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return errors.New("pushgateway url is required")
	}
	if strings.TrimSpace(job) == "" {
		job = promNamespace
	}
	return push.New(url, job).Gatherer(p.registry).PushContext(ctx)
}
