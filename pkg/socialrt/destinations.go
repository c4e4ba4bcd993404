package socialrt

import "fmt"

// Destinations subscribed to by clients.
const (
	DirectMessageQueue = "/user/queue/messages"
	UnreadSummaryQueue = "/user/queue/unread.summary"
	NotificationQueue  = "/user/queue/notifications"

	conversationTopicPrefix = "/topic/conversations."
)

// Destinations published to by clients.
const (
	SendMessageDestination   = "/app/chat.sendMessage"
	UpdateMessageDestination = "/app/chat.updateMessage"
	DeleteMessageDestination = "/app/chat.deleteMessage"
	MarkReadDestination      = "/app/notification.markRead"
)

// ConversationTopic returns the broadcast topic for a conversation.
func ConversationTopic(conversationID string) string {
	return fmt.Sprintf("%s%s", conversationTopicPrefix, conversationID)
}
