package observability

import "time"

// NoopMetricsClient discards all metrics. Used in tests and when metrics are
// disabled by configuration.
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a metrics client that does nothing
func NewNoopMetricsClient() MetricsClient {
	return &NoopMetricsClient{}
}

func (c *NoopMetricsClient) RecordCounter(name string, value float64, labels map[string]string)   {}
func (c *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string)     {}
func (c *NoopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}
func (c *NoopMetricsClient) RecordDuration(name string, d time.Duration, labels map[string]string) {
}
func (c *NoopMetricsClient) IncrementCounter(name string, value float64) {}

// StartTimer implements MetricsClient.StartTimer
func (c *NoopMetricsClient) StartTimer(name string, labels map[string]string) func() {
	return func() {}
}

// RecordAPIOperation implements MetricsClient.RecordAPIOperation
func (c *NoopMetricsClient) RecordAPIOperation(method, endpoint string, statusCode int, duration time.Duration) {
}

// Close implements MetricsClient.Close
func (c *NoopMetricsClient) Close() error { return nil }
