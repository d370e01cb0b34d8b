package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/BWC4WIFE/Trans2Thai/internal/app"
	"github.com/BWC4WIFE/Trans2Thai/internal/httpapi"
)

var (
	v      *viper.Viper
	logger *log.Logger
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("database-url", "", "Postgres connection string")

	serveCmd.Flags().String("http-addr", "", "HTTP listen address")

	textCmd.Flags().String("audio-out", "", "Write reply audio (raw PCM) to this file")
	textCmd.Flags().String("target", "", "Target language code")

	tokenCmd.Flags().String("subject", "operator", "Token subject")
	tokenCmd.Flags().String("device", "", "Device label stored in the token")
	tokenCmd.Flags().Duration("ttl", 0, "Token lifetime (defaults to JWT_EXPIRY)")

	rootCmd.AddCommand(serveCmd, textCmd, tokenCmd)
}

func initConfig() {
	var err error
	v, err = app.NewViper()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config file: %s\n", err)
	}

	_ = v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("database_url", rootCmd.PersistentFlags().Lookup("database-url"))
	_ = v.BindPFlag("http_addr", serveCmd.Flags().Lookup("http-addr"))
	_ = v.BindPFlag("target_language", textCmd.Flags().Lookup("target"))

	logger = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	})
	if lvl, err := log.ParseLevel(v.GetString("log_level")); err == nil {
		logger.SetLevel(lvl)
	}
}

var rootCmd = &cobra.Command{
	Use:   "trans2thai",
	Short: "Real-time speech and text translation over a live model session",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server and websocket session bridge",
	RunE:  runServe,
}

var textCmd = &cobra.Command{
	Use:   "text [phrase...]",
	Short: "Translate phrases from the command line",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runText,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the session bridge",
	RunE:  runToken,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := app.LoadConfig(v)

	// Initialize Sentry for error monitoring
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			EnableTracing:    true,
			TracesSampleRate: 0.2, // 20% of requests for performance monitoring
			Environment:      cfg.Environment,
		})
		if err != nil {
			logger.Error("sentry init failed", "err", err)
		} else {
			logger.Info("sentry initialized")
			defer sentry.Flush(2 * time.Second)
		}
	}
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, the session bridge will refuse connections")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		if cfg.SentryDSN != "" {
			sentry.CaptureException(err)
			sentry.Flush(2 * time.Second)
		}
		return fmt.Errorf("init app: %w", err)
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	drainSessions(shutdownCtx, a.Sessions())
	return srv.Shutdown(shutdownCtx)
}

// drainSessions stops accepting bridges and ends the active ones. Websocket
// connections are hijacked, so http.Server.Shutdown does not wait for them.
func drainSessions(ctx context.Context, sessions *httpapi.SessionRegistry) {
	sessions.StartDraining()
	if n := sessions.ActiveCount(); n > 0 {
		logger.Info("ending active sessions", "count", n)
	}
	sessions.CancelAll()
	if err := sessions.Wait(ctx); err != nil {
		logger.Warn("sessions did not end before shutdown deadline", "err", err)
	}
}

func runText(cmd *cobra.Command, args []string) error {
	cfg := app.LoadConfig(v)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer a.Close()

	var audio io.Writer
	if path, _ := cmd.Flags().GetString("audio-out"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		audio = f
	}

	return a.RunText(ctx, args, cmd.OutOrStdout(), audio)
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg := app.LoadConfig(v)

	subject, _ := cmd.Flags().GetString("subject")
	device, _ := cmd.Flags().GetString("device")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	if ttl <= 0 {
		ttl = cfg.JWTExpiry
	}

	token, expiresAt, err := httpapi.IssueToken(cfg.JWTSecret, subject, device, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	logger.Info("token issued", "subject", subject, "expires", expiresAt.Format(time.RFC3339))
	return nil
}
