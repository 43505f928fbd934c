package mail

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/relayq/relayq/internal/job"
	"github.com/relayq/relayq/internal/template"
)

// SenderConfig identifies the From address stamped on outgoing mail.
type SenderConfig struct {
	From     string `yaml:"from"`
	FromName string `yaml:"from_name,omitempty"`
}

// RelayClient abstracts the upstream submission so tests can capture
// messages instead of opening connections.
type RelayClient interface {
	Send(ctx context.Context, from string, to []string, data []byte) error
}

// Sender turns a rendered job into a wire message and submits it.
type Sender struct {
	relay  RelayClient
	cfg    SenderConfig
	logger *slog.Logger
}

// NewSender creates a sender over the given relay.
func NewSender(relay RelayClient, cfg SenderConfig, logger *slog.Logger) *Sender {
	return &Sender{relay: relay, cfg: cfg, logger: logger}
}

// Deliver assembles and submits one message. Assembly failures, such as
// an attachment that vanished since the job was created, are permanent.
func (s *Sender) Deliver(ctx context.Context, j *job.Job, r *template.Rendered) error {
	data, err := BuildMessage(&Envelope{
		From:        s.cfg.From,
		FromName:    s.cfg.FromName,
		To:          j.Recipient,
		Subject:     r.Subject,
		Text:        r.Text,
		HTML:        r.HTML,
		Attachments: j.Attachments,
	})
	if err != nil {
		return &DeliveryError{
			Temporary: false,
			Message:   fmt.Sprintf("message assembly failed: %v", err),
		}
	}

	if err := s.relay.Send(ctx, s.cfg.From, []string{j.Recipient}, data); err != nil {
		return err
	}

	s.logger.Info("message delivered",
		"job_id", j.ID,
		"recipient", j.Recipient,
		"attempt", j.AttemptCount,
	)
	return nil
}
