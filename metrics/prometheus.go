// Package metrics provides Prometheus metrics for the dBFT node.
package metrics

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors of a node. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	mu sync.Mutex

	// Consensus metrics
	consensusRoundsTotal prometheus.Counter   // 블록 생성까지 완료된 라운드
	consensusDuration    prometheus.Histogram // 높이당 합의 소요 시간
	currentBlockHeight   prometheus.Gauge     // 현재 블록 높이
	currentView          prometheus.Gauge     // 현 뷰 번호

	// Message metrics
	messagesSentTotal     *prometheus.CounterVec   // 타입별 전송 메시지 수
	messagesReceivedTotal *prometheus.CounterVec   // 타입별 수신 메시지 수
	messagesDroppedTotal  *prometheus.CounterVec   // 검증 실패/큐 초과로 버린 메시지
	messageProcessingTime *prometheus.HistogramVec // 메시지 처리 시간

	// View change metrics
	viewChangesTotal *prometheus.CounterVec // 사유별 뷰 변경 요청

	// Block metrics
	blockExecutionTime prometheus.Histogram // 블록 실행 시간
	transactionsTotal  prometheus.Counter   // 총 트랜잭션 수
	mempoolSize        prometheus.Gauge

	roundStartTimes map[uint32]time.Time
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		roundStartTimes: make(map[uint32]time.Time),
	}

	m.consensusRoundsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consensus_rounds_total",
		Help:      "Total number of heights finalized by this node",
	})
	m.consensusDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "consensus_duration_seconds",
		Help:      "Time from round start to block assembly",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
	})
	m.currentBlockHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "block_height",
		Help:      "Current block height",
	})
	m.currentView = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "current_view",
		Help:      "Current view number",
	})

	m.messagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_sent_total",
		Help:      "Total number of consensus messages sent by type",
	}, []string{"type"})
	m.messagesReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_received_total",
		Help:      "Total number of consensus messages accepted by type",
	}, []string{"type"})
	m.messagesDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_dropped_total",
		Help:      "Consensus payloads dropped before processing",
	}, []string{"reason"})
	m.messageProcessingTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "message_processing_seconds",
		Help:      "Time to process messages by type",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~400ms
	}, []string{"type"})

	m.viewChangesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "view_changes_total",
		Help:      "Change view requests sent by reason",
	}, []string{"reason"})

	m.blockExecutionTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "block_execution_seconds",
		Help:      "Time to execute and persist blocks in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	})
	m.transactionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transactions_total",
		Help:      "Total number of transactions persisted",
	})
	m.mempoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "mempool_size",
		Help:      "Verified transactions waiting in the mempool",
	})

	reg.MustRegister(
		m.consensusRoundsTotal,
		m.consensusDuration,
		m.currentBlockHeight,
		m.currentView,
		m.messagesSentTotal,
		m.messagesReceivedTotal,
		m.messagesDroppedTotal,
		m.messageProcessingTime,
		m.viewChangesTotal,
		m.blockExecutionTime,
		m.transactionsTotal,
		m.mempoolSize,
	)

	return m
}

// StartConsensusRound records the start of a height.
func (m *Metrics) StartConsensusRound(height uint32) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roundStartTimes[height]; !ok {
		m.roundStartTimes[height] = time.Now()
	}
}

// EndConsensusRound records the block assembly of a height.
func (m *Metrics) EndConsensusRound(height uint32) {
	if m == nil {
		return
	}
	m.mu.Lock()
	startTime, exists := m.roundStartTimes[height]
	for h := range m.roundStartTimes {
		if h <= height {
			delete(m.roundStartTimes, h)
		}
	}
	m.mu.Unlock()

	if exists {
		m.consensusDuration.Observe(time.Since(startTime).Seconds())
		m.consensusRoundsTotal.Inc()
	}
}

// SetBlockHeight sets the current block height.
func (m *Metrics) SetBlockHeight(height uint32) {
	if m == nil {
		return
	}
	m.currentBlockHeight.Set(float64(height))
}

// SetCurrentView sets the current view number.
func (m *Metrics) SetCurrentView(view uint8) {
	if m == nil {
		return
	}
	m.currentView.Set(float64(view))
}

// IncrementMessagesSent increments the messages sent counter.
func (m *Metrics) IncrementMessagesSent(msgType string) {
	if m == nil {
		return
	}
	m.messagesSentTotal.WithLabelValues(msgType).Inc()
}

// IncrementMessagesReceived increments the messages received counter.
func (m *Metrics) IncrementMessagesReceived(msgType string) {
	if m == nil {
		return
	}
	m.messagesReceivedTotal.WithLabelValues(msgType).Inc()
}

// IncrementMessagesDropped counts payloads discarded before the event loop.
func (m *Metrics) IncrementMessagesDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordMessageProcessingTime records the time to process a message.
func (m *Metrics) RecordMessageProcessingTime(msgType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.messageProcessingTime.WithLabelValues(msgType).Observe(duration.Seconds())
}

// IncrementViewChanges counts a change view request.
func (m *Metrics) IncrementViewChanges(reason string) {
	if m == nil {
		return
	}
	m.viewChangesTotal.WithLabelValues(reason).Inc()
}

// RecordBlockExecutionTime records the block execution time.
func (m *Metrics) RecordBlockExecutionTime(duration time.Duration) {
	if m == nil {
		return
	}
	m.blockExecutionTime.Observe(duration.Seconds())
}

// AddTransactions adds to the transaction counter.
func (m *Metrics) AddTransactions(count int) {
	if m == nil {
		return
	}
	m.transactionsTotal.Add(float64(count))
}

// SetMempoolSize sets the mempool gauge.
func (m *Metrics) SetMempoolSize(n int) {
	if m == nil {
		return
	}
	m.mempoolSize.Set(float64(n))
}

// Server provides 프로메테우스 매트릭을 위한 HTTP 서버를 제공
type Server struct {
	addr   string
	server *http.Server
}

// NewServer creates a metrics HTTP server for the collectors in gatherer.
func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start starts serving in the background. Listen errors are sent to errCh.
func (s *Server) Start(errCh chan<- error) {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if errCh != nil {
				errCh <- err
			}
		}
	}()
}

// Stop stops the metrics server.
func (s *Server) Stop() error {
	return s.server.Close()
}
