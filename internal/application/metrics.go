package application

// Metrics receives the orchestrator's observability signals. The concrete
// Prometheus collector lives in infrastructure; nopMetrics is the default
// when none is wired.
type Metrics interface {
	RunFinished(adapter, workflow, status string)
	PageFetched(adapter string)
	RecordsReconciled(adapter, entityType string, count int)
	Tombstones(adapter, entityType string, count int)
	MutationPushed(adapter, result string)
}

type nopMetrics struct{}

func (nopMetrics) RunFinished(string, string, string)    {}
func (nopMetrics) PageFetched(string)                    {}
func (nopMetrics) RecordsReconciled(string, string, int) {}
func (nopMetrics) Tombstones(string, string, int)        {}
func (nopMetrics) MutationPushed(string, string)         {}

// NopMetrics returns a Metrics that discards everything.
func NopMetrics() Metrics {
	return nopMetrics{}
}
