// Package message turns a subject, recipient and bodies into the exact
// bytes submitted to the relay.
package message

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"mailer/internal/dkim"
	"mailer/internal/email"
)

// SizeError reports a message whose serialized form exceeds the ceiling.
// It is terminal: retrying cannot change the size.
type SizeError struct {
	Size  int64
	Limit int64
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("message too large (%d > %d bytes)", e.Size, e.Limit)
}

// Message is a fully serialized outgoing mail.
type Message struct {
	ID      string
	Subject string
	From    string
	To      string
	Body    string
	HTML    string

	// Raw is the RFC 5322 message as submitted in DATA.
	Raw []byte
}

// Size returns the serialized size in bytes.
func (m *Message) Size() int64 { return int64(len(m.Raw)) }

// WriteTo writes Raw to w.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(m.Raw)
	return int64(n), err
}

// Builder composes messages from the fixed process-wide sender.
type Builder struct {
	from     string
	domain   string
	maxBytes int64
	signer   *dkim.Signer
	now      func() time.Time
}

// NewBuilder validates the sender address. signer may be nil.
func NewBuilder(from string, maxBytes int64, signer *dkim.Signer) (*Builder, error) {
	addr, err := email.Normalize(from)
	if err != nil {
		return nil, fmt.Errorf("message: sender: %w", err)
	}
	domain, err := email.Domain(addr)
	if err != nil {
		return nil, fmt.Errorf("message: sender: %w", err)
	}
	if maxBytes < 1 {
		return nil, fmt.Errorf("message: max size must be positive, got %d", maxBytes)
	}
	return &Builder{
		from:     addr,
		domain:   domain,
		maxBytes: maxBytes,
		signer:   signer,
		now:      time.Now,
	}, nil
}

// From returns the sender address stamped on every message.
func (b *Builder) From() string { return b.from }

// Build serializes a text/plain message, with a text/html alternative
// when html is non-empty, and enforces the size ceiling on the final bytes.
func (b *Builder) Build(subject, recipient, body, html string) (*Message, error) {
	to, err := email.Normalize(recipient)
	if err != nil {
		return nil, fmt.Errorf("message: recipient: %w", err)
	}

	id := uuid.NewString()
	m := gomail.NewMessage()
	m.SetHeader("From", b.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetHeader("Message-ID", fmt.Sprintf("<%s@%s>", id, b.domain))
	m.SetDateHeader("Date", b.now())
	m.SetBody("text/plain", body)
	if html != "" {
		m.AddAlternative("text/html", html)
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("message: serialize: %w", err)
	}
	raw, err := b.signer.Sign(buf.Bytes(), b.from)
	if err != nil {
		return nil, fmt.Errorf("message: %w", err)
	}

	if size := int64(len(raw)); size > b.maxBytes {
		return nil, &SizeError{Size: size, Limit: b.maxBytes}
	}

	return &Message{
		ID:      id,
		Subject: subject,
		From:    b.from,
		To:      to,
		Body:    body,
		HTML:    html,
		Raw:     raw,
	}, nil
}
