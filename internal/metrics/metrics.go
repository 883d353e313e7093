package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/franz/dw-loader/internal/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RowsLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dwl_staging_rows_loaded_total",
		Help: "Total number of rows inserted into staging",
	}, []string{"table"})

	RowsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dwl_staging_rows_failed_total",
		Help: "Total number of input rows rejected by the loader",
	}, []string{"table"})

	RowsQuarantined = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dwl_quality_rows_quarantined_total",
		Help: "Total number of staged rows moved to quarantine per rule",
	}, []string{"table", "rule"})

	ProcedureAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dwl_procedure_attempts_total",
		Help: "Total number of transform operation attempts",
	}, []string{"procedure", "result"})

	ProcedureFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dwl_procedure_failures_total",
		Help: "Total number of transform operations that exhausted their retries",
	}, []string{"procedure"})

	DimensionRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dwl_dimension_rows_created_total",
		Help: "Total number of dimension rows created",
	}, []string{"dimension"})

	FactsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dwl_facts_written_total",
		Help: "Total number of fact rows inserted or updated",
	}, []string{"op"})

	PriceChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dwl_price_changes_total",
		Help: "Total number of fact price changes recorded",
	})

	FileTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dwl_file_transitions_total",
		Help: "Total number of source file status transitions",
	}, []string{"to"})

	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dwl_job_duration_seconds",
		Help:    "Duration of job runs",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 900},
	})

	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dwl_jobs_total",
		Help: "Total number of job runs per terminal status",
	}, []string{"status"})
)

// Server serves the metrics and liveness endpoints while a job runs
type Server struct {
	addr      string
	startTime time.Time
	srv       *http.Server
	ln        net.Listener
}

// NewServer creates a server for addr; an empty addr disables it
func NewServer(addr string) *Server {
	if addr == "" {
		return nil
	}
	return &Server{addr: addr}
}

// Start binds the listener and serves in the background until ctx ends
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/live", s.handleLive)
	mux.Handle("/metrics", promhttp.Handler())

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("%w: metrics listener on %s: %v", util.ErrInvalidConfig, s.addr, err)
	}
	s.ln = ln
	s.startTime = time.Now()
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.WarnLog("Metrics server stopped: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	util.DebugLog("Metrics server listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, useful when addr used port 0
func (s *Server) Addr() string {
	if s == nil || s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops the server
func (s *Server) Close() error {
	if s == nil || s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":         "healthy",
		"service":        "dwl",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "live")
}
