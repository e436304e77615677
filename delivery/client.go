package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"mailer/internal/config"
)

// submitTimeout bounds a single MAIL/RCPT/DATA exchange on a pooled connection.
const submitTimeout = 2 * time.Minute

// Conn is an authenticated relay session. A Conn is used by one caller at a time.
type Conn interface {
	Send(from, to string, msg io.WriterTo) error
	Close() error
}

// Dialer opens new authenticated relay sessions.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// SMTPDialer connects to the submission relay: TCP connect, EHLO,
// STARTTLS when offered, then a single PLAIN login when credentials are set.
type SMTPDialer struct {
	Host       string
	Port       int
	Username   string
	Password   string
	HeloName   string
	RequireTLS bool
	TLSConfig  *tls.Config

	// Timeout bounds the whole connect+secure+login sequence.
	Timeout time.Duration
}

// NewSMTPDialer returns a dialer for relay. tlsConf may be nil.
func NewSMTPDialer(relay config.RelayConfig, timeout time.Duration, tlsConf *tls.Config) *SMTPDialer {
	return &SMTPDialer{
		Host:       relay.Host,
		Port:       relay.Port,
		Username:   relay.Username,
		Password:   relay.Password,
		HeloName:   relay.HeloName,
		RequireTLS: relay.RequireTLS,
		TLSConfig:  tlsConf,
		Timeout:    timeout,
	}
}

// Addr returns host:port.
func (d *SMTPDialer) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Dial implements Dialer.
func (d *SMTPDialer) Dial(ctx context.Context) (Conn, error) {
	addr := d.Addr()
	fail := func(stage string, err error) error {
		return &ConnectionError{Stage: stage, Addr: addr, Err: err}
	}

	nd := &net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fail("dial", err)
	}
	if err := conn.SetDeadline(time.Now().Add(d.Timeout)); err != nil {
		conn.Close()
		return nil, fail("dial", err)
	}

	client, err := smtp.NewClient(conn, d.Host)
	if err != nil {
		conn.Close()
		return nil, fail("greeting", err)
	}

	if err := d.handshake(client); err != nil {
		client.Close()
		return nil, fail(stageOf(err), err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		client.Close()
		return nil, fail("dial", err)
	}
	return &smtpConn{client: client, conn: conn}, nil
}

type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func stageOf(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return "handshake"
}

func (d *SMTPDialer) handshake(client *smtp.Client) error {
	helo := d.HeloName
	if helo == "" {
		helo = config.Hostname()
	}
	if err := client.Hello(helo); err != nil {
		return &stageError{"hello", err}
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConf := d.TLSConfig
		if tlsConf == nil {
			tlsConf = &tls.Config{ServerName: d.Host, MinVersion: tls.VersionTLS12}
		}
		if err := client.StartTLS(tlsConf); err != nil {
			return &stageError{"starttls", err}
		}
	} else if d.RequireTLS {
		return &stageError{"starttls", errors.New("relay does not offer STARTTLS")}
	}

	if d.Username == "" {
		return nil
	}
	if ok, _ := client.Extension("AUTH"); !ok {
		return &stageError{"auth", errors.New("relay does not offer AUTH")}
	}
	if err := client.Auth(smtp.PlainAuth("", d.Username, d.Password, d.Host)); err != nil {
		return &stageError{"auth", err}
	}
	return nil
}

type smtpConn struct {
	client *smtp.Client
	conn   net.Conn
}

func (c *smtpConn) Send(from, to string, msg io.WriterTo) error {
	if err := c.conn.SetDeadline(time.Now().Add(submitTimeout)); err != nil {
		return &TransportError{Stage: "deadline", Err: err}
	}
	defer c.conn.SetDeadline(time.Time{})

	if err := c.client.Mail(from); err != nil {
		return &TransportError{Stage: "mail from", Err: err}
	}
	if err := c.client.Rcpt(to); err != nil {
		return &TransportError{Stage: "rcpt to", Err: err}
	}
	w, err := c.client.Data()
	if err != nil {
		return &TransportError{Stage: "data start", Err: err}
	}
	if _, err := msg.WriteTo(w); err != nil {
		w.Close()
		return &TransportError{Stage: "data write", Err: err}
	}
	if err := w.Close(); err != nil {
		return &TransportError{Stage: "data close", Err: err}
	}
	return nil
}

func (c *smtpConn) Close() error {
	if err := c.client.Quit(); err != nil {
		c.client.Close()
		return err
	}
	return nil
}
