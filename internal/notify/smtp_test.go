package notify

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgmembers/orgmembers/internal/config"
)

// ---------------------------------------------------------------------------
// In-process SMTP backend
// ---------------------------------------------------------------------------

type message struct {
	From, Username, Password string
	To                       []string
	Contents                 string
	// TLS records whether the message arrived over an encrypted connection
	TLS bool
}

type backend struct {
	mu       sync.Mutex
	username string
	password string
	rejectTo string
	last     *message
	// authOverTLS holds, per AUTH attempt, whether the connection was encrypted
	authOverTLS []bool
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &session{b: b, conn: c, msg: &message{}}, nil
}

func (b *backend) authAttempts() []bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bool(nil), b.authOverTLS...)
}

func (b *backend) lastMessage() *message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

type session struct {
	b    *backend
	conn *smtp.Conn
	msg  *message
}

func (s *session) isTLS() bool {
	_, ok := s.conn.TLSConnectionState()
	return ok
}

func (s *session) AuthMechanisms() []string { return []string{sasl.Plain} }

func (s *session) Auth(string) (sasl.Server, error) {
	s.b.mu.Lock()
	s.b.authOverTLS = append(s.b.authOverTLS, s.isTLS())
	s.b.mu.Unlock()
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != s.b.username || password != s.b.password {
			return errors.New("invalid credentials")
		}
		s.msg.Username, s.msg.Password = username, password
		return nil
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.msg.From = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if to == s.b.rejectTo {
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "No such user"}
	}
	s.msg.To = append(s.msg.To, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.msg.Contents = string(data)
	s.msg.TLS = s.isTLS()
	s.b.mu.Lock()
	s.b.last = s.msg
	s.b.mu.Unlock()
	return nil
}

func (s *session) Reset()        { s.msg = &message{Username: s.msg.Username, Password: s.msg.Password} }
func (s *session) Logout() error { return nil }

// selfSignedTLS returns a server certificate for 127.0.0.1 and a client config trusting it
func selfSignedTLS(t *testing.T) (server, client *tls.Config) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mail.test"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	server = &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}}}
	client = &tls.Config{RootCAs: pool, ServerName: "127.0.0.1", MinVersion: tls.VersionTLS12}
	return server, client
}

type serverMode int

const (
	plaintext serverMode = iota
	startTLS
	implicitTLS
)

// startServer runs an in-process SMTP server and returns a mailer config pointing at it
func startServer(t *testing.T, be *backend, mode serverMode, serverTLS *tls.Config) config.SMTPConfig {
	t.Helper()
	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	tlsMode := TLSModeNone
	switch mode {
	case plaintext:
		srv.AllowInsecureAuth = true
	case startTLS:
		srv.TLSConfig = serverTLS
		tlsMode = TLSModeStartTLS
	case implicitTLS:
		ln = tls.NewListener(ln, serverTLS)
		tlsMode = TLSModeImplicit
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ln)
	}()
	t.Cleanup(func() {
		_ = srv.Close()
		<-done
	})

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, _ := strconv.Atoi(port)
	return config.SMTPConfig{Host: host, Port: p, From: "Org Members <noreply@example.com>", TLSMode: tlsMode}
}

func newTrustingMailer(cfg config.SMTPConfig, clientTLS *tls.Config) *SMTPMailer {
	m := NewSMTPMailer(cfg)
	m.tlsConfig = clientTLS
	return m
}

func sampleInvite() Invite {
	exp := time.Date(2026, 11, 17, 12, 0, 0, 0, time.UTC)
	return Invite{
		To:               "new@example.com",
		OrganizationName: "Acme",
		InviterName:      "Ada",
		Role:             "member",
		AcceptURL:        "https://members.example.com/accept/om-1/abc123/",
		ExpiresAt:        &exp,
	}
}

// ---------------------------------------------------------------------------
// SendInvite
// ---------------------------------------------------------------------------

func TestSMTPMailer_SendsInvite(t *testing.T) {
	be := &backend{}
	cfg := startServer(t, be, plaintext, nil)

	err := NewSMTPMailer(cfg).SendInvite(context.Background(), sampleInvite())
	require.NoError(t, err)

	msg := be.lastMessage()
	require.NotNil(t, msg)
	assert.Equal(t, "noreply@example.com", msg.From)
	assert.Equal(t, []string{"new@example.com"}, msg.To)
	assert.Contains(t, msg.Contents, "Subject: Join Acme")
	assert.Contains(t, msg.Contents, "Ada has invited you to join Acme as member.")
	assert.Contains(t, msg.Contents, "https://members.example.com/accept/om-1/abc123/")
	assert.Contains(t, msg.Contents, "expires on 2026-11-17")
	assert.Empty(t, msg.Username)
	assert.False(t, msg.TLS)
}

func TestSMTPMailer_StartTLSBeforeAuth(t *testing.T) {
	serverTLS, clientTLS := selfSignedTLS(t)
	be := &backend{username: "bob", password: "hunter2"}
	cfg := startServer(t, be, startTLS, serverTLS)
	cfg.Username, cfg.Password = "bob", "hunter2"

	require.NoError(t, newTrustingMailer(cfg, clientTLS).SendInvite(context.Background(), sampleInvite()))

	assert.Equal(t, []bool{true}, be.authAttempts(), "AUTH must follow the TLS upgrade")
	msg := be.lastMessage()
	require.NotNil(t, msg)
	assert.Equal(t, "bob", msg.Username)
	assert.True(t, msg.TLS)
}

func TestSMTPMailer_ImplicitTLS(t *testing.T) {
	serverTLS, clientTLS := selfSignedTLS(t)
	be := &backend{username: "bob", password: "hunter2"}
	cfg := startServer(t, be, implicitTLS, serverTLS)
	cfg.Username, cfg.Password = "bob", "hunter2"

	require.NoError(t, newTrustingMailer(cfg, clientTLS).SendInvite(context.Background(), sampleInvite()))
	msg := be.lastMessage()
	require.NotNil(t, msg)
	assert.True(t, msg.TLS)
	assert.Equal(t, "bob", msg.Username)
}

func TestSMTPMailer_StartTLSUnavailable(t *testing.T) {
	be := &backend{}
	cfg := startServer(t, be, plaintext, nil)
	cfg.TLSMode = TLSModeStartTLS

	err := NewSMTPMailer(cfg).SendInvite(context.Background(), sampleInvite())
	require.ErrorContains(t, err, "establish connection")
	assert.Nil(t, be.lastMessage())
}

func TestSMTPMailer_UntrustedCertificate(t *testing.T) {
	serverTLS, _ := selfSignedTLS(t)
	be := &backend{}
	cfg := startServer(t, be, startTLS, serverTLS)

	err := NewSMTPMailer(cfg).SendInvite(context.Background(), sampleInvite())
	require.Error(t, err)
	assert.Nil(t, be.lastMessage())
}

func TestSMTPMailer_RefusesPlaintextCredentials(t *testing.T) {
	be := &backend{username: "bob", password: "hunter2"}
	cfg := startServer(t, be, plaintext, nil)
	cfg.Username, cfg.Password = "bob", "hunter2"

	err := NewSMTPMailer(cfg).SendInvite(context.Background(), sampleInvite())
	require.ErrorContains(t, err, "plaintext connection")
	assert.Empty(t, be.authAttempts())
	assert.Nil(t, be.lastMessage())
}

func TestSMTPMailer_BadCredentials(t *testing.T) {
	serverTLS, clientTLS := selfSignedTLS(t)
	be := &backend{username: "bob", password: "hunter2"}
	cfg := startServer(t, be, startTLS, serverTLS)
	cfg.Username, cfg.Password = "bob", "wrong"

	err := newTrustingMailer(cfg, clientTLS).SendInvite(context.Background(), sampleInvite())
	require.ErrorContains(t, err, "plain auth")
	assert.Nil(t, be.lastMessage())
}

func TestSMTPMailer_RecipientRejected(t *testing.T) {
	be := &backend{rejectTo: "new@example.com"}
	cfg := startServer(t, be, plaintext, nil)

	err := NewSMTPMailer(cfg).SendInvite(context.Background(), sampleInvite())
	require.ErrorContains(t, err, "recipient designation")
}

func TestSMTPMailer_InvalidAddresses(t *testing.T) {
	m := NewSMTPMailer(config.SMTPConfig{Host: "127.0.0.1", Port: 1, From: "not an address"})
	require.ErrorContains(t, m.SendInvite(context.Background(), sampleInvite()), "'from' validation")

	m = NewSMTPMailer(config.SMTPConfig{Host: "127.0.0.1", Port: 1, From: "noreply@example.com"})
	inv := sampleInvite()
	inv.To = "@@"
	require.ErrorContains(t, m.SendInvite(context.Background(), inv), "'to' validation")
}

func TestSMTPMailer_UnknownTLSMode(t *testing.T) {
	m := NewSMTPMailer(config.SMTPConfig{Host: "127.0.0.1", Port: 1, From: "noreply@example.com", TLSMode: "ssl3"})
	require.ErrorContains(t, m.SendInvite(context.Background(), sampleInvite()), "unknown smtp tls mode")
}

func TestSMTPMailer_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewSMTPMailer(config.SMTPConfig{}).SendInvite(ctx, sampleInvite())
	assert.ErrorIs(t, err, context.Canceled)
}
