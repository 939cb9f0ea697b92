// Package smtpx is the outbound delivery capability: it hands a
// composed message to an SMTP server and reports failure.
package smtpx

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"

	"github.com/sirupsen/logrus"
)

// SendConfig carries the connection parameters for one delivery.
type SendConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Sender returns the envelope sender address.
func (c SendConfig) Sender() string {
	if c.From != "" {
		return c.From
	}
	return c.Username
}

// Client delivers composed messages.
type Client interface {
	Send(ctx context.Context, raw []byte, cfg SendConfig, recipients []string) error
}

// LiveClient is the real SMTP implementation. Port 465 speaks implicit
// TLS; everything else starts plain and upgrades via STARTTLS.
type LiveClient struct {
	logger *logrus.Logger
}

// NewLiveClient creates a LiveClient.
func NewLiveClient(logger *logrus.Logger) *LiveClient {
	return &LiveClient{logger: logger}
}

// Send delivers raw to all recipients through the configured server.
func (c *LiveClient) Send(ctx context.Context, raw []byte, cfg SendConfig, recipients []string) error {
	if len(recipients) == 0 {
		return fmt.Errorf("no recipients")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	tlsConfig := &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}

	useTLS := cfg.Port == 465
	if useTLS {
		conn = tls.Client(conn, tlsConfig)
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close() //nolint:errcheck
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if !useTLS {
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	if cfg.Password != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	if err := client.Mail(cfg.Sender()); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, to := range recipients {
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", to, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to send data command: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"host":       cfg.Host,
		"recipients": len(recipients),
	}).Info("Message delivered")
	return client.Quit()
}
