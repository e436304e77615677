// Package relaytest runs an in-process SMTP relay for tests.
package relaytest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Envelope is one accepted message.
type Envelope struct {
	From string
	To   []string
	Data []byte
}

// Option configures a Relay.
type Option func(*Relay)

// WithTLS makes the relay offer STARTTLS with a self-signed certificate
// for 127.0.0.1. Clients trust it through ClientTLSConfig.
func WithTLS() Option {
	return func(r *Relay) { r.useTLS = true }
}

// WithAuth makes the relay offer AUTH PLAIN and accept only the given
// credentials.
func WithAuth(username, password string) Option {
	return func(r *Relay) {
		r.username = username
		r.password = password
	}
}

// Relay records every message it accepts. Failures can be injected per
// transaction with FailNext.
type Relay struct {
	Host string
	Port int

	useTLS   bool
	roots    *x509.CertPool
	username string
	password string

	failures atomic.Int32
	logins   atomic.Int32

	mu       sync.Mutex
	conns    map[*smtp.Conn]struct{}
	accepted []Envelope
	received chan Envelope
}

// Start listens on a loopback port and stops the relay on test cleanup.
func Start(t testing.TB, opts ...Option) *Relay {
	t.Helper()
	r := &Relay{
		conns:    make(map[*smtp.Conn]struct{}),
		received: make(chan Envelope, 64),
	}
	for _, opt := range opts {
		opt(r)
	}

	srv := smtp.NewServer(r)
	srv.Domain = "relay.test"
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second
	if r.useTLS {
		cert, roots, err := selfSigned()
		if err != nil {
			t.Fatalf("relaytest: certificate: %v", err)
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		r.roots = roots
	} else {
		srv.AllowInsecureAuth = true
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("relaytest: listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	r.Host = addr.IP.String()
	r.Port = addr.Port

	// Serve returns once Close runs during cleanup.
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
	return r
}

// Addr returns host:port.
func (r *Relay) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// ClientTLSConfig returns a client config trusting the relay certificate,
// or nil when the relay was started without WithTLS.
func (r *Relay) ClientTLSConfig() *tls.Config {
	if r.roots == nil {
		return nil
	}
	return &tls.Config{RootCAs: r.roots, ServerName: r.Host, MinVersion: tls.VersionTLS12}
}

// FailNext makes the next n recipients be rejected with a transient 451.
func (r *Relay) FailNext(n int) { r.failures.Store(int32(n)) }

// Sessions returns how many client connections reached EHLO. A STARTTLS
// upgrade on the same connection is not counted twice.
func (r *Relay) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Logins returns how many AUTH exchanges succeeded.
func (r *Relay) Logins() int { return int(r.logins.Load()) }

// Messages returns a copy of every accepted message.
func (r *Relay) Messages() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.accepted...)
}

// Wait blocks until a message arrives or the timeout passes.
func (r *Relay) Wait(timeout time.Duration) (Envelope, bool) {
	select {
	case env := <-r.received:
		return env, true
	case <-time.After(timeout):
		return Envelope{}, false
	}
}

// NewSession implements smtp.Backend.
func (r *Relay) NewSession(c *smtp.Conn) (smtp.Session, error) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()

	s := &session{relay: r}
	if r.username != "" {
		return &authSession{session: s}, nil
	}
	return s, nil
}

type session struct {
	relay *Relay
	from  string
	to    []string
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	for {
		n := s.relay.failures.Load()
		if n <= 0 {
			break
		}
		if s.relay.failures.CompareAndSwap(n, n-1) {
			return &smtp.SMTPError{
				Code:         451,
				EnhancedCode: smtp.EnhancedCode{4, 3, 0},
				Message:      "temporary failure, try again",
			}
		}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	env := Envelope{From: s.from, To: append([]string(nil), s.to...), Data: data}
	s.relay.mu.Lock()
	s.relay.accepted = append(s.relay.accepted, env)
	s.relay.mu.Unlock()
	select {
	case s.relay.received <- env:
	default:
	}
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error { return nil }

// authSession adds AUTH PLAIN to a session.
type authSession struct {
	*session
}

func (s *authSession) AuthMechanisms() []string { return []string{sasl.Plain} }

func (s *authSession) Auth(string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != s.relay.username || password != s.relay.password {
			return &smtp.SMTPError{
				Code:         535,
				EnhancedCode: smtp.EnhancedCode{5, 7, 8},
				Message:      "authentication credentials invalid",
			}
		}
		s.relay.logins.Add(1)
		return nil
	}), nil
}

func selfSigned() (tls.Certificate, *x509.CertPool, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "relay.test"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
		DNSNames:              []string{"localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	roots := x509.NewCertPool()
	roots.AddCert(parsed)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: parsed}, roots, nil
}
