// Package app assembles the delivery stack from a Config.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mailer/delivery"
	"mailer/internal/audit"
	"mailer/internal/config"
	"mailer/internal/dkim"
	"mailer/message"
	"mailer/queue"
	"mailer/storage"
	"mailer/tlsconfig"
	"mailer/verification"
)

// App owns both connection pools, the dispatcher and the verification
// composer built on top of them.
type App struct {
	Config     config.Config
	Dispatcher *queue.Dispatcher
	Async      *delivery.Transport
	Composer   *verification.Composer
	Notifier   *verification.Notifier

	lockedPool *delivery.LockedPool
	chanPool   *delivery.ChanPool
	log        *zap.SugaredLogger
}

// New wires the stack. Nothing connects to the relay until the first send.
func New(cfg config.Config, log *zap.SugaredLogger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	audit.SetLogger(log)

	signer, err := dkim.LoadFromEnv()
	if err != nil {
		return nil, err
	}
	builder, err := message.NewBuilder(cfg.Relay.From, cfg.Delivery.MaxMessageBytes, signer)
	if err != nil {
		return nil, err
	}

	tlsConf, err := tlsconfig.ClientConfig(cfg.Relay.Host, cfg.Relay.InsecureSkipVerify, cfg.Relay.CAFile)
	if err != nil {
		return nil, fmt.Errorf("app: relay TLS: %w", err)
	}

	d := cfg.Delivery
	retrier := delivery.NewRetrier(d, log)

	// The pools never share connections: each gets its own dialer.
	lockedPool := delivery.NewLockedPool(delivery.NewSMTPDialer(cfg.Relay, d.ConnectTimeout, tlsConf), d.PoolCapacity, log.Named("pool"))
	chanPool := delivery.NewChanPool(delivery.NewSMTPDialer(cfg.Relay, d.ConnectTimeout, tlsConf.Clone()), d.PoolCapacity, log.Named("async-pool"))

	syncTransport := delivery.NewTransport(lockedPool, retrier, log)
	asyncTransport := delivery.NewTransport(chanPool, retrier, log)
	if cfg.SpoolDir != "" {
		spool := storage.NewSpool(cfg.SpoolDir)
		syncTransport.WithDeadLetters(spool)
		asyncTransport.WithDeadLetters(spool)
	}

	dispatcher := queue.NewDispatcher(d.Workers, builder, syncTransport, log.Named("dispatcher"))
	composer, err := verification.NewComposer(cfg.Verification.BaseURL, builder, dispatcher, asyncTransport, log)
	if err != nil {
		return nil, err
	}

	return &App{
		Config:     cfg,
		Dispatcher: dispatcher,
		Async:      asyncTransport,
		Composer:   composer,
		Notifier:   verification.NewNotifier(composer, log),
		lockedPool: lockedPool,
		chanPool:   chanPool,
		log:        log,
	}, nil
}

// Start launches the dispatcher workers.
func (a *App) Start() {
	a.Dispatcher.Start()
	a.log.Infow("Mailer ready",
		"relay", fmt.Sprintf("%s:%d", a.Config.Relay.Host, a.Config.Relay.Port),
		"workers", a.Config.Delivery.Workers,
		"pool_capacity", a.Config.Delivery.PoolCapacity)
}

// Close stops the dispatcher, then closes idle connections in both pools.
func (a *App) Close(ctx context.Context) error {
	err := a.Dispatcher.Stop(ctx)
	err = errors.Join(err, a.lockedPool.Close(), a.chanPool.Close())
	if failures := a.lockedPool.CloseFailures() + a.chanPool.CloseFailures(); failures > 0 {
		a.log.Debugw("Relay connections closed with errors", "count", failures)
	}
	return err
}
