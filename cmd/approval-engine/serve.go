package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/songzhibin97/approval-engine/manifest"
	"github.com/songzhibin97/approval-engine/workflow"
	"github.com/sony/gobreaker/v2"
	"github.com/spf13/cobra"
)

var seedFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve health, statistics and metrics endpoints",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&seedFile, "seed", "", "manifest applied before serving")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if seedFile != "" {
		m, err := manifest.Load(seedFile)
		if err != nil {
			return err
		}
		res, err := m.Apply(ctx, a.engine)
		if err != nil {
			return err
		}
		logger.Info().Int("definitions", len(res.Definitions)).Int("instances", len(res.Instances)).Msg("manifest applied")
	}

	go a.refreshLoop(ctx, cfg.Server.StatsInterval)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newRouter(a),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("serving")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info().Msg("shutting down")
	return srv.Shutdown(shutdownCtx)
}

func (a *app) refreshLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := a.refreshStatistics(ctx); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("failed to refresh statistics")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func newRouter(a *app) *httprouter.Router {
	router := httprouter.New()
	router.Handler(http.MethodGet, "/metrics", a.collector.Handler())
	router.GET("/healthz", a.health)
	router.GET("/statistics", a.statistics)
	router.GET("/instances/:id/history", a.history)
	return router
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *app) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	state := a.breaker.State()
	status := http.StatusOK
	if state == gobreaker.StateOpen {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"status":     http.StatusText(status),
		"event_sink": state.String(),
	})
}

func (a *app) statistics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	stats, err := a.engine.GetWorkflowStatistics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *app) history(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := strconv.ParseUint(ps.ByName("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	history, err := a.engine.GetWorkflowHistory(r.Context(), id)
	switch {
	case errors.Is(err, workflow.ErrInstanceNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, history)
	}
}
