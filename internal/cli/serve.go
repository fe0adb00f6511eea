package cli

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Spatial-NVR/SpatialRTLS/internal/config"
	"github.com/Spatial-NVR/SpatialRTLS/internal/relay"
)

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// serve runs an HTTP server on ln until ctx is cancelled, then shuts it
// down gracefully
func serve(ctx context.Context, ln net.Listener, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
		return err
	}
	logger.Info("Server stopped")
	return nil
}

func serverOptions(role string, r config.RelayConfig) relay.ServerOptions {
	return relay.ServerOptions{
		Role:              role,
		HandshakeTimeout:  r.HandshakeTimeout,
		HeartbeatInterval: r.HeartbeatInterval,
		HeartbeatTimeout:  r.HeartbeatTimeout,
		SendBuffer:        r.SendBuffer,
	}
}

func sessionOptions(role string, r config.RelayConfig) relay.SessionOptions {
	return relay.SessionOptions{
		URL:              r.ControlURL,
		Role:             role,
		HandshakeTimeout: r.HandshakeTimeout,
		HeartbeatTimeout: r.HeartbeatTimeout,
		BackoffInitial:   r.BackoffInitial,
		BackoffMax:       r.BackoffMax,
		SendBuffer:       r.SendBuffer,
	}
}
