package transport

import (
	"context"
	"log"

	"github.com/google/uuid"

	"github.com/fitpulse/campaign-engine/internal/pkg/logger"
)

// LogTransport is the development provider: it prints instead of sending and
// fabricates a provider message id so the rest of the pipeline behaves as in
// production.
type LogTransport struct{}

func NewLogTransport() *LogTransport { return &LogTransport{} }

func (l *LogTransport) Name() string { return "log" }

func (l *LogTransport) Send(ctx context.Context, msg *Message) (*Result, error) {
	id := "log-" + uuid.NewString()
	log.Printf("[LogTransport] Would send %q to %s (campaign %s step %s, id: %s)",
		msg.Subject, logger.RedactEmail(msg.To), msg.CampaignID, msg.StepID, id)
	return &Result{ProviderMessageID: id, State: StateDelivered}, nil
}
