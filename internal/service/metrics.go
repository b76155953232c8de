package service

// Metrics is the lifecycle instrumentation surface. The HTTP adapter plugs
// its Prometheus collectors in here; tests and the library embedding path
// use NopMetrics.
type Metrics interface {
	LogoutRecorded(reason string)
	RefreshRecorded(outcome string)
	WarningOpened()
	ActivityRecorded(disposition string)
	SignalRecorded(kind, direction string)
	SessionActive(active bool)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) LogoutRecorded(string)      {}
func (NopMetrics) RefreshRecorded(string)     {}
func (NopMetrics) WarningOpened()             {}
func (NopMetrics) ActivityRecorded(string)    {}
func (NopMetrics) SignalRecorded(_, _ string) {}
func (NopMetrics) SessionActive(bool)         {}
