package simcom

import (
	"sync/atomic"
	"time"

	"github.com/temoto/atomic_clock"
)

// Metrics contains runtime statistics of a Driver.
// All counters are cumulative totals since the driver was created.
type Metrics struct {
	// Commands is the number of commands written to the transport
	Commands int64 `json:"commands"`
	// Timeouts is the number of commands that got no final result code in time
	Timeouts int64 `json:"timeouts"`
	// ProtocolErrors is the number of inbound error markers
	ProtocolErrors int64 `json:"protocol_errors"`
	// Unsolicited is the number of inbound lines with no command pending
	Unsolicited int64 `json:"unsolicited"`
	// TxBytes is the total number of bytes written to the transport
	TxBytes int64 `json:"tx_bytes"`
	// RxBytes is the total number of bytes received from the transport
	RxBytes int64 `json:"rx_bytes"`
	// LastTxAgo is the time since the last write, zero before the first one
	LastTxAgo time.Duration `json:"last_tx_ago"`
	// LastRxAgo is the time since the last inbound chunk, zero before the first one
	LastRxAgo time.Duration `json:"last_rx_ago"`
}

type metrics struct {
	commands       int64
	timeouts       int64
	protocolErrors int64
	unsolicited    int64
	txBytes        int64
	rxBytes        int64
	lastTx         atomic_clock.Clock
	lastRx         atomic_clock.Clock
}

func (m *metrics) tx(n int) {
	atomic.AddInt64(&m.txBytes, int64(n))
	m.lastTx.SetNow()
}

func (m *metrics) rx(n int) {
	atomic.AddInt64(&m.rxBytes, int64(n))
	m.lastRx.SetNow()
}

func since(c *atomic_clock.Clock) time.Duration {
	if c.IsZero() {
		return 0
	}
	return atomic_clock.Since(c)
}

func (m *metrics) copy() Metrics {
	return Metrics{
		Commands:       atomic.LoadInt64(&m.commands),
		Timeouts:       atomic.LoadInt64(&m.timeouts),
		ProtocolErrors: atomic.LoadInt64(&m.protocolErrors),
		Unsolicited:    atomic.LoadInt64(&m.unsolicited),
		TxBytes:        atomic.LoadInt64(&m.txBytes),
		RxBytes:        atomic.LoadInt64(&m.rxBytes),
		LastTxAgo:      since(&m.lastTx),
		LastRxAgo:      since(&m.lastRx),
	}
}
