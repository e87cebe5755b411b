package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joshharrison/weft/internal/graph"
	"github.com/joshharrison/weft/internal/planner"
	"github.com/joshharrison/weft/internal/reporter"
)

type server struct {
	engine *graph.Engine
	plan   planner.PlanConfig
	logger *slog.Logger
}

// NewHandler serves the engine's live state:
//
//	GET /graph    Visualization
//	GET /plan     ExecutionPlan
//	GET /report   StatusReport
//	GET /metrics  Prometheus exposition, when gatherer is non-nil
func NewHandler(e *graph.Engine, cfg planner.PlanConfig, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &server{engine: e, plan: cfg, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/graph", srv.getOnly(srv.handleGraph))
	mux.HandleFunc("/plan", srv.getOnly(srv.handlePlan))
	mux.HandleFunc("/report", srv.getOnly(srv.handleReport))
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintln(w, "weft viewer: GET /graph, /plan, /report, /metrics")
	})
	return mux
}

func (s *server) getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func (s *server) handleGraph(w http.ResponseWriter, r *http.Request) {
	v, err := Generate(s.engine)
	s.respond(w, v, err)
}

func (s *server) handlePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := planner.Calculate(s.engine, s.plan)
	s.respond(w, plan, err)
}

func (s *server) handleReport(w http.ResponseWriter, r *http.Request) {
	rpt, err := reporter.Report(s.engine)
	s.respond(w, rpt, err)
}

func (s *server) respond(w http.ResponseWriter, body any, err error) {
	if err != nil {
		s.logger.Error("viewer request failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("write response", "error", err)
	}
}

// Start serves handler on port until ctx is cancelled. It returns the base
// URL (e.g. "http://localhost:7171") once the listener is open.
func Start(ctx context.Context, port int, handler http.Handler, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return "", fmt.Errorf("listen on port %d: %w", port, err)
	}

	httpSrv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("viewer stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	return fmt.Sprintf("http://localhost:%d", ln.Addr().(*net.TCPAddr).Port), nil
}

// IsPortOpen checks if something is listening on the given address.
func IsPortOpen(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
