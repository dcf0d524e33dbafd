package transport

import (
	"fmt"

	"github.com/fitpulse/campaign-engine/internal/config"
)

// New builds the transport named by configuration.
func New(cfg config.TransportConfig) (Transport, error) {
	switch cfg.Provider {
	case "ses":
		return NewSESTransport(cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region)
	case "log", "":
		return NewLogTransport(), nil
	default:
		return nil, fmt.Errorf("unknown mail provider %q", cfg.Provider)
	}
}
