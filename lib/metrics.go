package lib

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

/* This file implements dev-ops telemetry for the node in the form of prometheus metrics */

const metricsPattern = "/metrics"

// Metrics holds the telemetry of a single consensus node
// Several nodes may share one registry (the simulator does); each node's series carry a 'node' label
type Metrics struct {
	NodeMetrics    // general telemetry about the node
	BFTMetrics     // bft telemetry
	NetworkMetrics // outbound message telemetry
	FaultMetrics   // fault taxonomy telemetry
	StoreMetrics   // block storage telemetry
}

// NodeMetrics represents general telemetry for the node's health
type NodeMetrics struct {
	NodeStatus prometheus.Gauge // is the node alive?
}

// BFTMetrics represents the telemetry for the BFT module
type BFTMetrics struct {
	View               prometheus.Gauge       // what view is the node in?
	CommittedHeight    prometheus.Gauge       // what's the height of the last committed leaf?
	ViewDuration       prometheus.Histogram   // how long does a decided view take?
	ViewTimeouts       prometheus.Counter     // how many views timed out?
	ConsecutiveTimeout prometheus.Gauge       // how many views in a row timed out?
	ProposerCount      prometheus.Counter     // how many times did this node propose?
	QCsFormed          *prometheus.CounterVec // how many certificates did this node aggregate, per phase?
	NewViewCerts       prometheus.Counter     // how many NewView certificates did this node aggregate?
}

// NetworkMetrics represents the telemetry of outbound messages
type NetworkMetrics struct {
	SendRetries  prometheus.Counter     // how many sends were retried?
	SendFailures *prometheus.CounterVec // how many sends exhausted their retries, per kind?
}

// FaultMetrics counts reported faults
type FaultMetrics struct {
	Faults *prometheus.CounterVec // how many faults were reported, per taxonomy kind?
}

// StoreMetrics represents the telemetry of block storage
type StoreMetrics struct {
	RecordsAppended *prometheus.CounterVec // how many records were written, per kind?
	StoreConflicts  prometheus.Counter     // how many appends collided with a different record?
}

// NewMetrics() registers the metrics of the node on the registerer
func NewMetrics(reg prometheus.Registerer, node string) *Metrics {
	factory := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"node": node}, reg))
	return &Metrics{
		NodeMetrics: NodeMetrics{
			NodeStatus: factory.NewGauge(prometheus.GaugeOpts{
				Name: "hotshot_node_status",
				Help: "The node is alive and running consensus",
			}),
		},
		BFTMetrics: BFTMetrics{
			View: factory.NewGauge(prometheus.GaugeOpts{
				Name: "hotshot_bft_view",
				Help: "Current BFT view",
			}),
			CommittedHeight: factory.NewGauge(prometheus.GaugeOpts{
				Name: "hotshot_bft_committed_height",
				Help: "Height of the last committed leaf",
			}),
			ViewDuration: factory.NewHistogram(prometheus.HistogramOpts{
				Name: "hotshot_bft_view_duration",
				Help: "Time from entering a view to deciding it in seconds",
			}),
			ViewTimeouts: factory.NewCounter(prometheus.CounterOpts{
				Name: "hotshot_bft_view_timeouts",
				Help: "Number of views abandoned on deadline",
			}),
			ConsecutiveTimeout: factory.NewGauge(prometheus.GaugeOpts{
				Name: "hotshot_bft_consecutive_timeouts",
				Help: "Number of views in a row that timed out",
			}),
			ProposerCount: factory.NewCounter(prometheus.CounterOpts{
				Name: "hotshot_bft_proposer_count",
				Help: "Number of proposals made by this node",
			}),
			QCsFormed: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "hotshot_bft_qcs_formed",
				Help: "Number of quorum certificates aggregated by this node",
			}, []string{"phase"}),
			NewViewCerts: factory.NewCounter(prometheus.CounterOpts{
				Name: "hotshot_bft_new_view_certificates",
				Help: "Number of NewView certificates aggregated by this node",
			}),
		},
		NetworkMetrics: NetworkMetrics{
			SendRetries: factory.NewCounter(prometheus.CounterOpts{
				Name: "hotshot_p2p_send_retries",
				Help: "Number of retried outbound sends",
			}),
			SendFailures: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "hotshot_p2p_send_failures",
				Help: "Number of outbound sends that exhausted their retries",
			}, []string{"kind"}),
		},
		FaultMetrics: FaultMetrics{
			Faults: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "hotshot_faults",
				Help: "Number of reported faults by taxonomy kind",
			}, []string{"kind"}),
		},
		StoreMetrics: StoreMetrics{
			RecordsAppended: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "hotshot_store_records_appended",
				Help: "Number of records written to block storage",
			}, []string{"kind"}),
			StoreConflicts: factory.NewCounter(prometheus.CounterOpts{
				Name: "hotshot_store_conflicts",
				Help: "Number of appends rejected for colliding with a different record",
			}),
		},
	}
}

// MetricsServer exposes a prometheus registry over http
type MetricsServer struct {
	server *http.Server  // the http prometheus server
	config MetricsConfig // the configuration
	log    LoggerI       // the logger
}

// NewMetricsServer() creates a new telemetry server for the registry
func NewMetricsServer(gatherer prometheus.Gatherer, config MetricsConfig, log LoggerI) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle(metricsPattern, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &MetricsServer{
		server: &http.Server{Addr: config.PrometheusAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		config: config,
		log:    log,
	}
}

// Start() starts the telemetry server
func (m *MetricsServer) Start() {
	if m == nil || !m.config.Enabled {
		return
	}
	go func() {
		m.log.Infof("Starting metrics server on %s", m.config.PrometheusAddress)
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.log.Errorf("Metrics server failed with err: %s", err.Error())
		}
	}()
}

// Stop() gracefully stops the telemetry server
func (m *MetricsServer) Stop() {
	if m == nil || !m.config.Enabled {
		return
	}
	if err := m.server.Shutdown(context.Background()); err != nil {
		m.log.Error(err.Error())
	}
}

// UpdateView() is a setter for the current view
func (m *Metrics) UpdateView(view uint64) {
	// exit if empty
	if m == nil {
		return
	}
	m.NodeStatus.Set(1)
	m.View.Set(float64(view))
}

// UpdateDecide() records a decided view
func (m *Metrics) UpdateDecide(height uint64, duration time.Duration) {
	if m == nil {
		return
	}
	m.CommittedHeight.Set(float64(height))
	m.ViewDuration.Observe(duration.Seconds())
	m.ConsecutiveTimeout.Set(0)
}

// UpdateTimeout() records a timed out view
func (m *Metrics) UpdateTimeout(consecutive uint64) {
	if m == nil {
		return
	}
	m.ViewTimeouts.Inc()
	m.ConsecutiveTimeout.Set(float64(consecutive))
}

// IncProposer() counts a proposal made by this node
func (m *Metrics) IncProposer() {
	if m == nil {
		return
	}
	m.ProposerCount.Inc()
}

// IncQC() counts an aggregated quorum certificate
func (m *Metrics) IncQC(phase Phase) {
	if m == nil {
		return
	}
	m.QCsFormed.WithLabelValues(phase.String()).Inc()
}

// IncNewViewCert() counts an aggregated NewView certificate
func (m *Metrics) IncNewViewCert() {
	if m == nil {
		return
	}
	m.NewViewCerts.Inc()
}

// IncSendRetry() counts a retried send
func (m *Metrics) IncSendRetry() {
	if m == nil {
		return
	}
	m.SendRetries.Inc()
}

// IncSendFailure() counts a send that exhausted its retries
func (m *Metrics) IncSendFailure(kind ErrorKind) {
	if m == nil {
		return
	}
	m.SendFailures.WithLabelValues(kind.String()).Inc()
}

// IncFault() counts a reported fault
func (m *Metrics) IncFault(kind ErrorKind) {
	if m == nil {
		return
	}
	m.Faults.WithLabelValues(kind.String()).Inc()
}

// IncRecordAppended() counts a record written to block storage
func (m *Metrics) IncRecordAppended(kind ProposalKind) {
	if m == nil {
		return
	}
	m.RecordsAppended.WithLabelValues(kind.String()).Inc()
}

// IncStoreConflict() counts an append rejected for a conflicting record
func (m *Metrics) IncStoreConflict() {
	if m == nil {
		return
	}
	m.StoreConflicts.Inc()
}
