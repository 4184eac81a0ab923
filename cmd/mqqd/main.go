// Command mqqd runs the queue as a standalone daemon: migrations, the
// rescuer, leader election, the periodic engine, and whatever Workers a
// deployment wires up, behind the metrics/health HTTP surface.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nullstream/mqq"
	"github.com/nullstream/mqq/config"
	"github.com/nullstream/mqq/internal/metrics"
	"github.com/nullstream/mqq/internal/mqlog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := mqlog.New(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	q, err := mqq.New(cfg, logger)
	if err != nil {
		stop()
		log.Fatalf("mqq: %v", err)
	}

	if err := q.GlobalInitialize(ctx); err != nil {
		stop()
		log.Fatalf("mqq: initialize: %v", err)
	}
	logger.Info("mqq initialized", "env", cfg.Env, "tables_prefix", cfg.TablesPrefix)

	metrics.Register()
	metrics.ProcessStartTime.Set(float64(time.Now().Unix()))
	checker := q.HealthChecker(prometheus.DefaultRegisterer)

	metricsSrv := q.MetricsServer(":" + cfg.MetricsPort)
	mux, ok := metricsSrv.Handler.(*http.ServeMux)
	if ok {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeHealth(w, checker.Liveness(r.Context()))
		})
		mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
			result := checker.Readiness(r.Context())
			status := http.StatusOK
			if result.Status != "up" {
				status = http.StatusServiceUnavailable
			}
			writeHealthStatus(w, status, result)
		})
	}

	go func() {
		logger.Info("metrics server started", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
	if err := q.Dispose(shutdownCtx); err != nil {
		logger.Error("mqq dispose", "error", err)
	}

	logger.Info("mqqd shut down")
}

func writeHealth(w http.ResponseWriter, v any) {
	writeHealthStatus(w, http.StatusOK, v)
}

func writeHealthStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
