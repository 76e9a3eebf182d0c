//go:build !tsnet

package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/wardenlabs/warden/internal/config"
)

// StartTailscale is compiled in only with `-tags tsnet`; this stub keeps the
// tailnet dependency out of default builds.
func StartTailscale(_ context.Context, cfg config.TailscaleConfig, _ http.Handler) func() {
	if cfg.Hostname != "" {
		slog.Warn("tailscale is configured but this binary was built without tsnet support, rebuild with -tags tsnet")
	}
	return nil
}
