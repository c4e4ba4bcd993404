// Package socialrt provides the real-time transport used by the chat and
// notification features of the social application.
//
// Connections speak STOMP over WebSocket. The broker package owns connection
// lifecycle and reconnection, the chat package wraps it with identity headers,
// conversation subscriptions and an outbound queue, and the notify package
// keeps a single token-bound notification connection per session object.
package socialrt
