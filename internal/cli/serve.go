package cli

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tokenvault/internal/adapters/httpapi"
	"tokenvault/internal/bridge"
	"tokenvault/internal/core"
	"tokenvault/internal/session"
	"tokenvault/pkg/sceneapi"
)

// RunServe serves the HTTP API, Prometheus metrics and the host bridge until
// interrupted.
func RunServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := core.NewPrometheusMetricsRecorder()
	opStats := core.NewExpvarMetricsRecorder("tokenvault_operations")
	e, err := openEnv(cmd, core.WithMetricsRecorder(core.MultiMetricsRecorder(metrics, opStats)))
	if err != nil {
		return err
	}
	defer e.close()

	store, err := e.openBlob(ctx)
	if err != nil {
		return err
	}
	addr, err := OptionalStringFlag(cmd, "addr")
	if err != nil {
		return err
	}
	if addr == "" {
		addr = e.cfg.HTTP.Addr
	}

	sessions := &httpapi.Sessions{}
	bridgeHandler := bridge.NewHandler(ctx, bridge.Settings{
		WriteTimeout:   e.cfg.Bridge.WriteTimeout,
		RequestTimeout: e.cfg.Bridge.RequestTimeout,
		Logger:         e.logger,
	}, attachSession(e.service, sessions, metrics, e.logger))

	server := &http.Server{
		Addr: addr,
		Handler: httpapi.New(httpapi.Options{
			Service:    e.service,
			Sessions:   sessions,
			Blob:       store,
			Logger:     e.logger,
			Metrics:    metrics.Handler(),
			DebugVars:  expvar.Handler(),
			Bridge:     bridgeHandler,
			BridgePath: e.cfg.Bridge.Path,
		}),
	}

	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("serving", "addr", addr, "bridge", e.cfg.Bridge.Path, "storage", e.cfg.Storage.Driver, "blob", store.Driver())
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), e.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// attachSession gives every host connection its own session. The newest
// connection is the one the HTTP API acts on.
func attachSession(service *core.Service, sessions *httpapi.Sessions, metrics core.EngineMetrics, logger *slog.Logger) bridge.AttachFunc {
	return func(ctx context.Context, conn *bridge.Conn) (func(), error) {
		sess := session.New(service, conn,
			session.WithNotifier(conn),
			session.WithContextMenu(conn),
			session.WithEngineMetrics(metrics),
		)
		conn.OnSceneReady(func(ctx context.Context, ready bool) {
			if err := sess.SetSceneReady(ctx, ready); err != nil {
				logger.Error("scene ready", "ready", ready, "error", err)
			}
		})
		conn.OnRole(func(ctx context.Context, role sceneapi.Role) {
			if err := sess.SetRole(ctx, role); err != nil {
				logger.Error("set role", "role", role, "error", err)
			}
		})
		if err := sess.Start(ctx); err != nil {
			return nil, err
		}
		detach := sessions.Attach(sess)
		logger.Info("host connected")
		return func() {
			detach()
			sess.Close()
			logger.Info("host disconnected")
		}, nil
	}
}
