package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/socialrt/pkg/socialrt/chat"
	"github.com/tsarna/socialrt/pkg/socialrt/outbox"
	"go.uber.org/zap"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat over the broker",
}

var chatListenCmd = &cobra.Command{
	Use:   "listen [broker-url]",
	Short: "Print chat traffic",
	Long: `Connect as a user and print direct messages, unread summaries and,
with --conversation, the conversation topic. Each event is printed as the
destination and the JSON payload separated by a tab.

Examples:
  socialrt chat listen ws://localhost:8080/ws --user-id u-1
  socialrt chat listen ws://localhost:8080/ws --user-id u-1 --conversation 42 --jq .content
  socialrt chat listen ws://localhost:8080/ws --user-id u-1 --only /topic/
  socialrt chat listen ws://localhost:8080/ws --user-id u-1 --drop /user/queue/unread.summary`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChatListen,
}

var chatSendCmd = &cobra.Command{
	Use:   "send [broker-url] <text>",
	Short: "Send one chat message",
	Long: `Connect as a user, send one message and disconnect.

If text is a JSON object it is sent as is. Otherwise it becomes the content
of a message addressed to --conversation and, if given, --to.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runChatSend,
}

var (
	userID       string
	role         string
	email        string
	conversation string
	receiverID   string
	chatFilter   eventFilter
	sendWait     time.Duration
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.AddCommand(chatListenCmd, chatSendCmd)

	flags := chatCmd.PersistentFlags()
	flags.StringVar(&userID, "user-id", "", "user id sent in the handshake")
	flags.StringVar(&role, "role", "", "user role sent in the handshake")
	flags.StringVar(&email, "email", "", "user email sent in the handshake")
	flags.StringVar(&conversation, "conversation", "", "conversation to follow or send to")

	chatListenCmd.Flags().StringVar(&chatFilter.Jq, "jq", "", "jq filter applied to each payload before printing")
	chatListenCmd.Flags().StringArrayVar(&chatFilter.Drop, "drop", nil, "skip events whose destination matches this pattern (repeatable)")
	chatListenCmd.Flags().StringVar(&chatFilter.Only, "only", "", "print only events whose destination has this prefix")

	chatSendCmd.Flags().StringVar(&receiverID, "to", "", "receiver user id")
	chatSendCmd.Flags().DurationVar(&sendWait, "wait", 10*time.Second, "how long to wait for the connection")
}

type outgoingMessage struct {
	ConversationID string `json:"conversationId,omitempty"`
	ReceiverID     string `json:"receiverId,omitempty"`
	Content        string `json:"content"`
}

func buildChatClient(cmd *cobra.Command, s *settings, logger *zap.Logger) (*chat.Client, error) {
	identity := s.Identity
	if cmd.Flags().Changed("user-id") || identity.UserID == "" {
		identity.UserID = userID
	}
	if cmd.Flags().Changed("role") || identity.Role == "" {
		identity.Role = role
	}
	if cmd.Flags().Changed("email") || identity.Email == "" {
		identity.Email = email
	}

	dialer, err := s.dialer(logger)
	if err != nil {
		return nil, err
	}
	telemetry := newTelemetry()

	return chat.NewClient().
		WithURL(s.URL).
		WithDialer(dialer).
		WithIdentity(identity).
		WithConversation(conversation).
		WithDebug(GetDebug()).
		WithLogger(logger).
		WithDialTimeout(s.DialTimeout).
		WithReconnectPolicy(s.Reconnect).
		WithOnConnected(func(ctx context.Context) {
			logger.Info("Connected to chat")
		}).
		WithOnDisconnected(func(ctx context.Context, err error) {
			logger.Info("Disconnected from chat", zap.Error(err))
		}).
		WithDropHandler(func(action outbox.Action, err error) {
			logger.Warn("Message not sent", zap.String("destination", action.Destination), zap.Error(err))
		}).
		WithMetrics(telemetry).
		WithTracing(telemetry).
		Build()
}

func runChatListen(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	s, err := loadSettings(cmd, logger)
	if err != nil {
		return err
	}
	if _, err := s.splitURL(args, 0); err != nil {
		return err
	}

	printer, err := newEventPrinter(cmd.OutOrStdout(), chatFilter, logger)
	if err != nil {
		return err
	}

	client, err := buildChatClient(cmd, s, logger)
	if err != nil {
		return err
	}
	client.On("#", printer.Handle)

	ctx, cancel := signalContext()
	defer cancel()

	client.Activate(ctx)
	logger.Info("Listening for chat events... (Press Ctrl+C to exit)")

	<-ctx.Done()

	if err := client.Deactivate(); err != nil {
		logger.Warn("Error during client disconnect", zap.Error(err))
	}
	logger.Info("Shutdown complete")
	return nil
}

func runChatSend(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	s, err := loadSettings(cmd, logger)
	if err != nil {
		return err
	}
	args, err = s.splitURL(args, 1)
	if err != nil {
		return err
	}

	client, err := buildChatClient(cmd, s, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), sendWait)
	defer cancel()

	client.Activate(ctx)
	defer func() {
		if err := client.Deactivate(); err != nil {
			logger.Warn("Error during client disconnect", zap.Error(err))
		}
	}()

	if err := client.WaitConnected(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	return client.SendMessage(messagePayload(args[0]))
}

// messagePayload sends JSON objects verbatim and wraps anything else.
func messagePayload(text string) any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil {
		return json.RawMessage(text)
	}
	return outgoingMessage{
		ConversationID: conversation,
		ReceiverID:     receiverID,
		Content:        text,
	}
}
