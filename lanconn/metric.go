package lanconn

import (
	"sync/atomic"
)

// ConnectionMetrics contains atomic metrics for a connection.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type ConnectionMetrics struct {
	// AttemptCount indicates the number of connection attempts, including
	// retries.
	AttemptCount atomic.Uint64
	// RetryCount indicates the number of retried attempts.
	RetryCount atomic.Uint64
	// ExchangeCount indicates the number of successful command/reply
	// exchanges.
	ExchangeCount atomic.Uint64
	// SendCount indicates the number of successful reply-less sends.
	SendCount atomic.Uint64
	// FatalErrCount indicates the number of commands that exhausted the
	// attempt budget.
	FatalErrCount atomic.Uint64
}

func (m *ConnectionMetrics) incAttemptCount() {
	m.AttemptCount.Add(1)
}

func (m *ConnectionMetrics) incRetryCount() {
	m.RetryCount.Add(1)
}

func (m *ConnectionMetrics) incExchangeCount() {
	m.ExchangeCount.Add(1)
}

func (m *ConnectionMetrics) incSendCount() {
	m.SendCount.Add(1)
}

func (m *ConnectionMetrics) incFatalErrCount() {
	m.FatalErrCount.Add(1)
}
