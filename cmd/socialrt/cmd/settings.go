package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/socialrt/pkg/socialrt"
	"github.com/tsarna/socialrt/pkg/socialrt/broker"
	"github.com/tsarna/socialrt/pkg/socialrt/config"
	"github.com/tsarna/socialrt/pkg/socialrt/otel"
	"github.com/tsarna/socialrt/pkg/socialrt/stompws"
	"go.uber.org/zap"
)

var (
	dialTimeout    time.Duration
	heartBeat      time.Duration
	reconnectDelay time.Duration
	maxReconnects  int
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.DurationVar(&dialTimeout, "dial-timeout", 10*time.Second, "timeout for each connection attempt")
	flags.DurationVar(&heartBeat, "heartbeat", 0, "STOMP heart-beat interval, 0 to disable")
	flags.DurationVar(&reconnectDelay, "reconnect-delay", broker.DefaultReconnectDelay, "delay between reconnect attempts, 0 to disable")
	flags.IntVar(&maxReconnects, "max-reconnects", -1, "consecutive failed reconnects before giving up, -1 for unlimited")
}

// settings is the merged view of the config file and the command line.
// Flags that were set explicitly win over the file.
type settings struct {
	URL         string
	DialTimeout time.Duration
	HeartBeat   time.Duration
	Reconnect   broker.ReconnectPolicy
	Identity    socialrt.Identity
	Token       string
}

func loadSettings(cmd *cobra.Command, logger *zap.Logger) (*settings, error) {
	s := &settings{
		DialTimeout: dialTimeout,
		HeartBeat:   heartBeat,
		Reconnect:   broker.ReconnectPolicy{Delay: reconnectDelay, MaxAttempts: maxReconnects},
	}

	if configPath == "" {
		return s, nil
	}

	cfg, diags := config.NewConfig().
		WithLogger(logger).
		WithSources(configPath).
		Build()
	if diags.HasErrors() {
		logger.Error("Failed to build config", zap.Any("diags", diags))
		return nil, diags
	}

	changed := cmd.Flags().Changed

	s.URL = cfg.URL
	s.Identity = cfg.Identity
	s.Token = cfg.Token
	if !changed("dial-timeout") && cfg.DialTimeout > 0 {
		s.DialTimeout = cfg.DialTimeout
	}
	if !changed("heartbeat") && cfg.HeartBeat > 0 {
		s.HeartBeat = cfg.HeartBeat
	}
	if !changed("reconnect-delay") {
		s.Reconnect.Delay = cfg.Reconnect.Delay
	}
	if !changed("max-reconnects") {
		s.Reconnect.MaxAttempts = cfg.Reconnect.MaxAttempts
	}

	return s, nil
}

// splitURL takes the broker URL from the first of args when args has one
// more entry than want, and from the config file otherwise.
func (s *settings) splitURL(args []string, want int) ([]string, error) {
	if len(args) > want {
		s.URL = args[0]
		args = args[1:]
	}
	if s.URL == "" {
		return nil, fmt.Errorf("broker URL is required, as an argument or in the config file")
	}
	return args, nil
}

func (s *settings) dialer(logger *zap.Logger) (broker.Dialer, error) {
	d, err := stompws.NewDialer().
		WithLogger(logger).
		WithHeartBeat(s.HeartBeat, s.HeartBeat).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build dialer: %w", err)
	}
	return d, nil
}

func newTelemetry() *otel.Provider {
	return otel.NewProvider("socialrt", Version)
}
