// Package verification composes and sends the account verification email.
package verification

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mailer/message"
)

// Subject is the fixed subject of every verification email.
const Subject = "Please verify your email address"

// Bridge hands a message to the worker pool and waits for the outcome.
// queue.Dispatcher implements it.
type Bridge interface {
	Send(ctx context.Context, subject, recipient, body, html string) error
}

// AsyncSender delivers a built message on its own goroutine.
// delivery.Transport implements it.
type AsyncSender interface {
	SendAsync(ctx context.Context, msg *message.Message) <-chan error
}

// Composer renders the verification email and routes it to one of the two
// delivery strategies.
type Composer struct {
	baseURL string
	builder *message.Builder
	bridge  Bridge
	async   AsyncSender
	log     *zap.SugaredLogger
}

// NewComposer returns a composer linking to baseURL. async may be nil, in
// which case every send goes through bridge.
func NewComposer(baseURL string, builder *message.Builder, bridge Bridge, async AsyncSender, log *zap.SugaredLogger) (*Composer, error) {
	if baseURL == "" {
		return nil, errors.New("verification: base URL is required")
	}
	if bridge == nil {
		return nil, errors.New("verification: bridge is required")
	}
	if async != nil && builder == nil {
		return nil, errors.New("verification: builder is required for asynchronous delivery")
	}
	return &Composer{baseURL: baseURL, builder: builder, bridge: bridge, async: async, log: log}, nil
}

// Send emails recipientEmail a link carrying token. useAsync selects the
// goroutine strategy; otherwise the message goes through the worker pool.
func (c *Composer) Send(ctx context.Context, recipientEmail, username, token string, useAsync bool) error {
	plain, html, err := render(mailParams{Username: username, URL: VerifyURL(c.baseURL, token)})
	if err != nil {
		return fmt.Errorf("verification: render: %w", err)
	}

	if useAsync && c.async != nil {
		err = c.sendAsync(ctx, recipientEmail, plain, html)
	} else {
		err = c.bridge.Send(ctx, Subject, recipientEmail, plain, html)
	}
	if err != nil {
		return err
	}

	c.log.Infow("Verification email sent", "recipient", recipientEmail, "async", useAsync)
	return nil
}

func (c *Composer) sendAsync(ctx context.Context, recipient, plain, html string) error {
	msg, err := c.builder.Build(Subject, recipient, plain, html)
	if err != nil {
		return err
	}
	// Like the worker path, delivery outlives the caller: ctx only bounds the wait.
	select {
	case err := <-c.async.SendAsync(context.WithoutCancel(ctx), msg):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
