package verification

import (
	"context"

	"go.uber.org/zap"
)

// Notifier is the entry point used by account registration. Delivery is
// best effort: failures are logged, never returned.
type Notifier struct {
	composer *Composer
	log      *zap.SugaredLogger
}

func NewNotifier(composer *Composer, log *zap.SugaredLogger) *Notifier {
	return &Notifier{composer: composer, log: log}
}

// SendVerificationEmail sends the verification link through the worker pool.
func (n *Notifier) SendVerificationEmail(ctx context.Context, email, username, token string) {
	if err := n.composer.Send(ctx, email, username, token, false); err != nil {
		n.log.Errorw("Failed to send verification email",
			"recipient", email,
			"username", username,
			"error", err)
	}
}
