package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Encryption modes for the relay connection.
const (
	EncryptionStartTLS = "starttls"
	EncryptionTLS      = "tls"
	EncryptionNone     = "none"
)

// RelayConfig describes the upstream SMTP relay that accepts our mail.
type RelayConfig struct {
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	Username   string        `yaml:"username,omitempty"`
	Password   string        `yaml:"password,omitempty"`
	Encryption string        `yaml:"encryption,omitempty"` // starttls, tls, none
	Timeout    time.Duration `yaml:"timeout,omitempty"`
	LocalName  string        `yaml:"local_name,omitempty"` // HELO/EHLO name
}

// Relay submits messages to a fixed upstream SMTP server. One connection
// per message; the dispatch rate is low enough that pooling buys nothing.
type Relay struct {
	cfg    RelayConfig
	logger *slog.Logger
}

// NewRelay creates a relay client.
func NewRelay(cfg RelayConfig, logger *slog.Logger) *Relay {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Encryption == "" {
		cfg.Encryption = EncryptionStartTLS
	}
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}
	return &Relay{cfg: cfg, logger: logger}
}

// Send submits one message. Errors are returned as *DeliveryError with
// the temporary/permanent classification already applied.
func (r *Relay) Send(ctx context.Context, from string, to []string, data []byte) error {
	addr := net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port))

	dialer := &net.Dialer{Timeout: r.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("connection failed to %s: %v", addr, err),
		}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(r.cfg.Timeout))
	}

	tlsConfig := &tls.Config{
		ServerName: r.cfg.Host,
		MinVersion: tls.VersionTLS12,
	}

	if r.cfg.Encryption == EncryptionTLS {
		conn = tls.Client(conn, tlsConfig)
	}

	client := smtp.NewClient(conn)
	defer client.Close()

	if err := client.Hello(r.cfg.LocalName); err != nil {
		return classifyError(err, "EHLO")
	}

	if r.cfg.Encryption == EncryptionStartTLS {
		if err := client.StartTLS(tlsConfig); err != nil {
			return classifyError(err, "STARTTLS")
		}
	}

	if r.cfg.Username != "" {
		auth := sasl.NewPlainClient("", r.cfg.Username, r.cfg.Password)
		if err := client.Auth(auth); err != nil {
			return classifyError(err, "AUTH")
		}
	}

	if err := client.Mail(from, nil); err != nil {
		return classifyError(err, "MAIL FROM")
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return classifyError(err, fmt.Sprintf("RCPT TO %s", rcpt))
		}
	}

	wc, err := client.Data()
	if err != nil {
		return classifyError(err, "DATA")
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("failed to write message data: %v", err),
		}
	}
	if err := wc.Close(); err != nil {
		return classifyError(err, "DATA close")
	}

	client.Quit()

	r.logger.Debug("message submitted",
		"relay", addr,
		"from", from,
		"to", to,
	)

	return nil
}
