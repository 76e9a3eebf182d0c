//go:build tsnet

package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"

	"github.com/wardenlabs/warden/internal/config"
)

// StartTailscale serves handler on a tailnet listener alongside the main
// one, so the gateway is reachable machine-to-machine without exposing a
// port. Returns a cleanup function, or nil when Tailscale is not configured
// or fails to come up (the main listener is unaffected either way).
func StartTailscale(ctx context.Context, cfg config.TailscaleConfig, handler http.Handler) func() {
	if cfg.Hostname == "" {
		return nil
	}

	dir := config.ExpandHome(cfg.StateDir)
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".warden", "tsnet")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		slog.Error("tsnet state dir creation failed", "dir", dir, "error", err)
		return nil
	}

	srv := &tsnet.Server{
		Hostname:  cfg.Hostname,
		Dir:       dir,
		AuthKey:   cfg.AuthKey,
		Ephemeral: cfg.Ephemeral,
		Logf:      func(string, ...any) {}, // tsnet is chatty; failures surface below
	}

	var (
		ln  net.Listener
		err error
	)
	if cfg.EnableTLS {
		ln, err = srv.ListenTLS("tcp", ":443")
	} else {
		ln, err = srv.Listen("tcp", ":80")
	}
	if err != nil {
		slog.Error("tsnet listen failed", "hostname", cfg.Hostname, "error", err)
		_ = srv.Close()
		return nil
	}

	slog.Info("gateway listening on tailnet", "hostname", cfg.Hostname, "tls", cfg.EnableTLS)

	httpSrv := &http.Server{Handler: handler}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("tsnet serve failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	return func() {
		_ = httpSrv.Close()
		_ = srv.Close()
	}
}
