package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("dbft", reg)

	m.IncrementMessagesSent("Commit")
	m.IncrementMessagesSent("Commit")
	m.IncrementViewChanges("Timeout")
	m.SetBlockHeight(42)
	m.AddTransactions(3)

	require.Equal(t, 2.0, testutil.ToFloat64(m.messagesSentTotal.WithLabelValues("Commit")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.viewChangesTotal.WithLabelValues("Timeout")))
	require.Equal(t, 42.0, testutil.ToFloat64(m.currentBlockHeight))
	require.Equal(t, 3.0, testutil.ToFloat64(m.transactionsTotal))
}

func TestMetrics_RoundDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("dbft", reg)

	m.StartConsensusRound(7)
	m.EndConsensusRound(7)
	// 두 번째 종료는 무시
	m.EndConsensusRound(7)

	require.Equal(t, 1.0, testutil.ToFloat64(m.consensusRoundsTotal))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.IncrementMessagesSent("Commit")
		m.StartConsensusRound(1)
		m.EndConsensusRound(1)
		m.SetCurrentView(2)
	})
}
