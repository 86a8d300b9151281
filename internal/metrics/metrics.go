package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	RunsStarted   Counter
	RunsSucceeded Counter
	RunsFailed    Counter
	RunsAborted   Counter
	OrdersPlaced  Counter
	OrdersFailed  Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		RunsStarted:   n,
		RunsSucceeded: n,
		RunsFailed:    n,
		RunsAborted:   n,
		OrdersPlaced:  n,
		OrdersFailed:  n,
	}
}
