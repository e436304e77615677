package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mailer/health"
	"mailer/internal/app"
	"mailer/internal/audit"
	"mailer/internal/config"
)

const shutdownTimeout = 30 * time.Second

type runtimeState struct {
	debug bool
	cfg   config.Config
	log   *zap.SugaredLogger
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rt := &runtimeState{}

	root := &cobra.Command{
		Use:          "mailer",
		Short:        "Verification email delivery through an SMTP relay",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if rt.debug {
				cfg.Debug = true
			}
			rt.cfg = cfg
			rt.log = setupLogger(cfg.Debug).Sugar()
			audit.Set(cfg.Debug)
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = rt.log.Sync()
		},
	}
	root.PersistentFlags().BoolVar(&rt.debug, "debug", false, "enable debug logging and the delivery audit trail")

	root.AddCommand(newServeCommand(rt), newSendVerificationCommand(rt))
	return root
}

func newServeCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the delivery pools and the health/metrics endpoint until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(rt.cfg, rt.log)
			if err != nil {
				return err
			}
			a.Start()

			srv, _, err := health.StartHealthServer(rt.cfg.HealthAddr, rt.log.Named("health"))
			if err != nil {
				_ = a.Close(context.Background())
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			rt.log.Infow("Shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return errors.Join(srv.Shutdown(shutdownCtx), a.Close(shutdownCtx))
		},
	}
}

func newSendVerificationCommand(rt *runtimeState) *cobra.Command {
	var (
		recipient, username, token string
		useAsync                   bool
	)
	cmd := &cobra.Command{
		Use:   "send-verification",
		Short: "Send one verification email and wait for the outcome",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(rt.cfg, rt.log)
			if err != nil {
				return err
			}
			a.Start()
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = a.Close(ctx)
			}()

			if err := a.Composer.Send(cmd.Context(), recipient, username, token, useAsync); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "verification email sent to %s\n", recipient)
			return nil
		},
	}
	cmd.Flags().StringVar(&recipient, "email", "", "recipient address")
	cmd.Flags().StringVar(&username, "username", "", "name used in the greeting")
	cmd.Flags().StringVar(&token, "token", "", "verification token")
	cmd.Flags().BoolVar(&useAsync, "async", false, "deliver on a dedicated goroutine instead of the worker pool")
	for _, name := range []string{"email", "username", "token"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func setupLogger(debug bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339))
	}
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		stdlog.Fatalf("failed to set up logger: %v", err)
	}
	return logger
}
