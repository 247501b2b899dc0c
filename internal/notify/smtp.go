// Package notify delivers invitation emails over SMTP.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/orgmembers/orgmembers/internal/config"
)

// Invite is the content of one invitation email
type Invite struct {
	To               string
	OrganizationName string
	InviterName      string
	Role             string
	AcceptURL        string
	ExpiresAt        *time.Time
}

// TLS modes of SMTPConfig.TLSMode
const (
	TLSModeStartTLS = "starttls"
	TLSModeImplicit = "tls"
	TLSModeNone     = "none"
)

// SMTPMailer sends invitations through an SMTP smarthost. The connection is secured
// according to the configured TLS mode; PLAIN auth is used when a username is
// configured and is only ever sent over TLS.
type SMTPMailer struct {
	cfg       config.SMTPConfig
	hello     string
	tlsConfig *tls.Config
	now       func() time.Time
}

// NewSMTPMailer creates a mailer for cfg
func NewSMTPMailer(cfg config.SMTPConfig) *SMTPMailer {
	return &SMTPMailer{
		cfg:       cfg,
		hello:     "localhost",
		tlsConfig: &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12},
		now:       time.Now,
	}
}

func (m *SMTPMailer) dial(addr string) (*smtp.Client, error) {
	switch m.cfg.TLSMode {
	case TLSModeStartTLS, "":
		return smtp.DialStartTLS(addr, m.tlsConfig)
	case TLSModeImplicit:
		return smtp.DialTLS(addr, m.tlsConfig)
	case TLSModeNone:
		c, err := smtp.Dial(addr)
		if err != nil {
			return nil, err
		}
		if err := c.Hello(m.hello); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("server handshake: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown smtp tls mode %q", m.cfg.TLSMode)
	}
}

// SendInvite delivers inv. The context is only checked before dialing.
func (m *SMTPMailer) SendInvite(ctx context.Context, inv Invite) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	from, err := mail.ParseAddress(m.cfg.From)
	if err != nil {
		return fmt.Errorf("'from' validation: %w", err)
	}
	to, err := mail.ParseAddress(inv.To)
	if err != nil {
		return fmt.Errorf("'to' validation: %w", err)
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))

	c, err := m.dial(addr)
	if err != nil {
		return fmt.Errorf("establish connection to server: %w", err)
	}
	defer func() {
		if err := c.Quit(); err != nil {
			slog.Debug("failed to close SMTP connection", "error", err)
			_ = c.Close()
		}
	}()

	if m.cfg.Username != "" {
		if _, ok := c.TLSConnectionState(); !ok {
			return fmt.Errorf("refusing to send credentials over a plaintext connection")
		}
		if ok, _ := c.Extension("AUTH"); !ok {
			return fmt.Errorf("server does not support AUTH")
		}
		if err := c.Auth(sasl.NewPlainClient("", m.cfg.Username, m.cfg.Password)); err != nil {
			return fmt.Errorf("plain auth: %w", err)
		}
	}

	if err := c.Mail(from.Address, nil); err != nil {
		return fmt.Errorf("sender identification: %w", err)
	}
	if err := c.Rcpt(to.Address, nil); err != nil {
		return fmt.Errorf("recipient designation: %w", err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("open message: %w", err)
	}
	if _, err := w.Write(m.message(from, to, inv)); err != nil {
		_ = w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close message: %w", err)
	}
	return nil
}

func (m *SMTPMailer) message(from, to *mail.Address, inv Invite) []byte {
	var b bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&b, "%s: %s\r\n", k, v) }

	header("From", from.String())
	header("To", to.String())
	header("Subject", fmt.Sprintf("Join %s", inv.OrganizationName))
	header("Date", m.now().Format(time.RFC1123Z))
	header("Message-Id", fmt.Sprintf("<%s@%s>", uuid.NewString(), m.hello))
	header("MIME-Version", "1.0")
	header("Content-Type", "text/plain; charset=UTF-8")
	b.WriteString("\r\n")

	inviter := inv.InviterName
	if inviter == "" {
		inviter = "A member"
	}
	lines := []string{
		fmt.Sprintf("%s has invited you to join %s as %s.", inviter, inv.OrganizationName, inv.Role),
		"",
		"Accept the invitation:",
		inv.AcceptURL,
	}
	if inv.ExpiresAt != nil {
		lines = append(lines, "", "This link expires on "+inv.ExpiresAt.UTC().Format("2006-01-02 15:04 MST")+".")
	}
	b.WriteString(strings.Join(lines, "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}
