package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/socialrt/pkg/socialrt/notify"
	"go.uber.org/zap"
)

// TokenEnv names the environment variable consulted when no token is given.
const TokenEnv = "SOCIALRT_TOKEN"

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Follow the notification feed",
}

var notifyListenCmd = &cobra.Command{
	Use:   "listen [broker-url]",
	Short: "Print notifications",
	Long: `Connect with a bearer token and print every notification as the
destination and the JSON payload separated by a tab.

Examples:
  socialrt notify listen ws://localhost:8080/ws --token $TOKEN
  socialrt notify listen --config socialrt.hcl --jq 'select(.read == false)'`,
	Args: cobra.MaximumNArgs(1),
	RunE: runNotifyListen,
}

var notifyMarkReadCmd = &cobra.Command{
	Use:   "mark-read [broker-url] <notification-id>",
	Short: "Mark one notification read",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runNotifyMarkRead,
}

var (
	token       string
	notifyJq    string
	connectWait time.Duration
)

func init() {
	rootCmd.AddCommand(notifyCmd)
	notifyCmd.AddCommand(notifyListenCmd, notifyMarkReadCmd)

	notifyCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token, defaults to $SOCIALRT_TOKEN")
	notifyCmd.PersistentFlags().DurationVar(&connectWait, "wait", 30*time.Second, "how long to wait for the initial connection")

	notifyListenCmd.Flags().StringVar(&notifyJq, "jq", "", "jq filter applied to each payload before printing")
}

func buildNotifySession(cmd *cobra.Command, s *settings, logger *zap.Logger) (*notify.Session, string, error) {
	t := s.Token
	if cmd.Flags().Changed("token") || t == "" {
		t = token
	}
	if t == "" {
		t = os.Getenv(TokenEnv)
	}
	if t == "" {
		return nil, "", fmt.Errorf("a token is required")
	}

	dialer, err := s.dialer(logger)
	if err != nil {
		return nil, "", err
	}
	telemetry := newTelemetry()

	session, err := notify.NewSession().
		WithURL(s.URL).
		WithDialer(dialer).
		WithLogger(logger).
		WithDialTimeout(s.DialTimeout).
		WithReconnectPolicy(s.Reconnect).
		WithMetrics(telemetry).
		WithTracing(telemetry).
		Build()
	return session, t, err
}

func connectNotifications(ctx context.Context, cmd *cobra.Command, args []string, want int) (*notify.Session, []string, *zap.Logger, error) {
	logger, err := setupLogger()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	s, err := loadSettings(cmd, logger)
	if err != nil {
		return nil, nil, logger, err
	}
	args, err = s.splitURL(args, want)
	if err != nil {
		return nil, nil, logger, err
	}

	session, t, err := buildNotifySession(cmd, s, logger)
	if err != nil {
		return nil, nil, logger, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, connectWait)
	defer cancel()

	if _, err := session.Client(waitCtx, t); err != nil {
		return nil, nil, logger, err
	}
	return session, args, logger, nil
}

func runNotifyListen(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	session, _, logger, err := connectNotifications(ctx, cmd, args, 0)
	if logger != nil {
		defer logger.Sync()
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Disconnect(); err != nil {
			logger.Warn("Error during client disconnect", zap.Error(err))
		}
	}()

	printer, err := newEventPrinter(cmd.OutOrStdout(), eventFilter{Jq: notifyJq}, logger)
	if err != nil {
		return err
	}
	if err := session.Subscribe(printer.Handle); err != nil {
		return err
	}

	logger.Info("Listening for notifications... (Press Ctrl+C to exit)")
	<-ctx.Done()
	logger.Info("Shutdown complete")
	return nil
}

func runNotifyMarkRead(cmd *cobra.Command, args []string) error {
	session, args, logger, err := connectNotifications(cmd.Context(), cmd, args, 1)
	if logger != nil {
		defer logger.Sync()
	}
	if err != nil {
		return err
	}
	defer session.Disconnect()

	return session.MarkRead(parseNotificationID(args[0]))
}

// parseNotificationID keeps numeric ids numeric on the wire.
func parseNotificationID(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}
