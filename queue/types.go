package queue

import "context"

// Request is one message handed to the dispatcher.
type Request struct {
	Subject   string
	Recipient string
	Body      string
	HTML      string
}

// job is a Request in flight. ctx is detached from the submitter so that
// abandoning the wait does not abort delivery.
type job struct {
	id   string
	req  Request
	ctx  context.Context
	done chan error
}
