package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	applog "spectrogram/internal/log"
)

// Gauges
var (
	SessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spectrogram_session_state",
		Help: "Pipeline state: 0 idle, 1 capturing, 2 stopped",
	})
	RunningMaxAmplitude = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spectrogram_running_max_amplitude",
		Help: "Largest smoothed spectral power seen in the current session",
	})
	TransformLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spectrogram_transform_lag_frames",
		Help: "Frames captured but not yet transformed",
	})
)

// Counters
var (
	FramesCapturedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spectrogram_frames_captured_total",
		Help: "Total full frames written to the capture ring",
	})
	ShortReadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spectrogram_short_reads_total",
		Help: "Source reads that returned fewer samples than requested",
	})
	FramesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spectrogram_frames_dropped_total",
		Help: "Frames overwritten before the transform loop reached them",
	})
	ColumnsProducedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spectrogram_columns_produced_total",
		Help: "Total pixel columns written to the column ring",
	})
	TransportErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spectrogram_transport_errors_total",
		Help: "Column sink failures by transport",
	}, []string{"transport"})
)

// Histograms
var (
	ColumnLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "spectrogram_column_duration_seconds",
		Help:    "Time to transform one frame into a pixel column",
		Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01},
	})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Server exposes /metrics over HTTP.
type Server struct {
	server   *http.Server
	listener net.Listener
}

// Serve binds addr and serves /metrics in the background.
func Serve(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	s := &Server{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: ln,
	}

	go func() {
		applog.Infof("Metrics: Serving /metrics on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			applog.Errorf("Metrics: Server error: %v", err)
		}
	}()
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Close shuts the server down, waiting up to two seconds for open scrapes.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
