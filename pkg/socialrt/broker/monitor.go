package broker

import (
	"context"
	"time"
)

// ClientMonitor receives Client lifecycle events. Calls are made from the
// client's run loop and must not block for long.
type ClientMonitor interface {
	OnConnect(ctx context.Context, client *Client)
	OnDisconnect(ctx context.Context, client *Client, err error)
	OnReconnectAttempt(ctx context.Context, client *Client, attempt int, delay time.Duration)
}

// DefaultReconnectDelay matches the fixed delay browsers' STOMP clients use.
const DefaultReconnectDelay = 5 * time.Second

// ReconnectPolicy is the fixed-delay retry policy applied after a failed dial
// or a lost session.
type ReconnectPolicy struct {
	// Delay between attempts. Zero disables reconnection.
	Delay time.Duration

	// MaxAttempts bounds consecutive failed attempts; -1 means unlimited.
	// The count resets after every successful connect.
	MaxAttempts int
}

// DefaultReconnectPolicy retries every DefaultReconnectDelay without limit.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Delay: DefaultReconnectDelay, MaxAttempts: -1}
}

// NoReconnect never retries.
func NoReconnect() ReconnectPolicy {
	return ReconnectPolicy{}
}

// Allows reports whether another attempt may follow failed consecutive failures.
func (p ReconnectPolicy) Allows(failed int) bool {
	if p.Delay <= 0 {
		return false
	}
	return p.MaxAttempts < 0 || failed < p.MaxAttempts
}
