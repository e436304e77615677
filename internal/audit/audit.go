package audit

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	enabled atomic.Bool
	logger  atomic.Pointer[zap.SugaredLogger]
)

func init() {
	RefreshFromEnv()
	logger.Store(zap.NewNop().Sugar())
}

// SetLogger routes audit records to l under the "audit" name.
func SetLogger(l *zap.SugaredLogger) {
	if l == nil {
		l = zap.NewNop().Sugar()
	}
	logger.Store(l.Named("audit"))
}

// Set toggles audit output.
func Set(on bool) { enabled.Store(on) }

// Enabled reports whether audit output is on.
func Enabled() bool { return enabled.Load() }

// RefreshFromEnv re-reads MAILER_DEBUG.
func RefreshFromEnv() {
	enabled.Store(os.Getenv("MAILER_DEBUG") == "1" || os.Getenv("MAILER_DEBUG") == "true")
}

// Log records a delivery audit event when auditing is enabled.
func Log(event string, keysAndValues ...any) {
	if !enabled.Load() {
		return
	}
	logger.Load().Infow(event, keysAndValues...)
}
