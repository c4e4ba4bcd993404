package broker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/socialrt/pkg/socialrt"
	"github.com/tsarna/socialrt/pkg/socialrt/broker"
	"github.com/tsarna/socialrt/pkg/socialrt/broker/brokertest"
)

const waitTimeout = 2 * time.Second

type recordingMonitor struct {
	mu          sync.Mutex
	connects    int
	disconnects []error
	attempts    []int
}

func (m *recordingMonitor) OnConnect(ctx context.Context, client *broker.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
}

func (m *recordingMonitor) OnDisconnect(ctx context.Context, client *broker.Client, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects = append(m.disconnects, err)
}

func (m *recordingMonitor) OnReconnectAttempt(ctx context.Context, client *broker.Client, attempt int, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, attempt)
}

func (m *recordingMonitor) snapshot() (int, []error, []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects, append([]error(nil), m.disconnects...), append([]int(nil), m.attempts...)
}

func fastPolicy(maxAttempts int) broker.ReconnectPolicy {
	return broker.ReconnectPolicy{Delay: 5 * time.Millisecond, MaxAttempts: maxAttempts}
}

func newTestClient(t *testing.T, dialer *brokertest.Dialer, configure func(*broker.ClientBuilder)) *broker.Client {
	t.Helper()
	builder := broker.NewClient().
		WithURL("ws://broker.test/ws").
		WithDialer(dialer).
		WithReconnectPolicy(fastPolicy(-1))
	if configure != nil {
		configure(builder)
	}
	client, err := builder.Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Deactivate() })
	return client
}

func TestClientConnect(t *testing.T) {
	t.Run("activate connects and passes headers", func(t *testing.T) {
		dialer := brokertest.NewDialer()
		client := newTestClient(t, dialer, func(b *broker.ClientBuilder) {
			b.WithHeader("userId", "42")
		})

		assert.False(t, client.IsActive())
		client.Activate(context.Background())
		assert.True(t, client.IsActive())

		require.NoError(t, client.WaitConnected(context.Background()))
		assert.True(t, client.IsConnected())

		targets := dialer.Targets()
		require.Len(t, targets, 1)
		assert.Equal(t, "ws://broker.test/ws", targets[0].URL)
		assert.Equal(t, "42", targets[0].Headers["userId"])
	})

	t.Run("activate twice dials once", func(t *testing.T) {
		dialer := brokertest.NewDialer()
		client := newTestClient(t, dialer, nil)

		client.Activate(context.Background())
		client.Activate(context.Background())
		require.NoError(t, client.WaitConnected(context.Background()))

		assert.Len(t, dialer.Targets(), 1)
	})

	t.Run("connect hook runs before connected", func(t *testing.T) {
		dialer := brokertest.NewDialer()
		var connectedDuringHook bool
		var client *broker.Client
		client = newTestClient(t, dialer, func(b *broker.ClientBuilder) {
			b.WithOnConnect(func(ctx context.Context, session broker.Session) error {
				connectedDuringHook = client.IsConnected()
				_, err := session.Subscribe("/user/queue/messages", func(broker.Message) {})
				return err
			})
		})

		client.Activate(context.Background())
		require.NoError(t, client.WaitConnected(context.Background()))

		assert.False(t, connectedDuringHook)
		session := dialer.Sessions()[0]
		assert.Equal(t, 1, session.ActiveSubscriptions("/user/queue/messages"))
	})

	t.Run("connect hook error closes session and retries", func(t *testing.T) {
		dialer := brokertest.NewDialer()
		calls := 0
		client := newTestClient(t, dialer, func(b *broker.ClientBuilder) {
			b.WithOnConnect(func(ctx context.Context, session broker.Session) error {
				calls++
				if calls == 1 {
					return errors.New("subscribe refused")
				}
				return nil
			})
		})

		client.Activate(context.Background())

		require.NoError(t, brokertest.WaitFor(waitTimeout, client.IsConnected))
		sessions := dialer.Sessions()
		require.Len(t, sessions, 2)
		assert.True(t, sessions[0].IsClosed())
		assert.False(t, sessions[1].IsClosed())
	})

	t.Run("wait connected reports first dial failure", func(t *testing.T) {
		dialer := brokertest.NewDialer()
		dialer.FailNext(errors.New("connection refused"))
		client := newTestClient(t, dialer, func(b *broker.ClientBuilder) {
			b.WithReconnectPolicy(broker.NoReconnect())
		})

		client.Activate(context.Background())
		err := client.WaitConnected(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("wait connected rides out retried transport failures", func(t *testing.T) {
		dialer := brokertest.NewDialer()
		dialer.FailNext(errors.New("connection refused"), errors.New("connection refused"))
		client := newTestClient(t, dialer, nil)

		client.Activate(context.Background())
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()

		require.NoError(t, client.WaitConnected(ctx))
		assert.Len(t, dialer.Targets(), 3)
	})

	t.Run("wait connected reports handshake rejection", func(t *testing.T) {
		dialer := brokertest.NewDialer()
		dialer.FailNext(fmt.Errorf("%w: invalid token", broker.ErrHandshakeRejected))
		client := newTestClient(t, dialer, nil)

		client.Activate(context.Background())
		err := client.WaitConnected(context.Background())
		assert.ErrorIs(t, err, broker.ErrHandshakeRejected)
	})

	t.Run("wait connected before activate", func(t *testing.T) {
		client := newTestClient(t, brokertest.NewDialer(), nil)
		err := client.WaitConnected(context.Background())
		assert.Error(t, err)
	})

	t.Run("wait connected honours context", func(t *testing.T) {
		dialer := brokertest.NewDialer()
		dialer.Hold()
		defer dialer.Release()
		client := newTestClient(t, dialer, nil)

		client.Activate(context.Background())
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		assert.ErrorIs(t, client.WaitConnected(ctx), context.DeadlineExceeded)
	})
}

func TestClientReconnect(t *testing.T) {
	t.Run("reconnects after session loss", func(t *testing.T) {
		dialer := brokertest.NewDialer()
		monitor := &recordingMonitor{}
		lost := make(chan error, 1)
		client := newTestClient(t, dialer, func(b *broker.ClientBuilder) {
			b.WithMonitor(monitor)
			b.WithOnDisconnect(func(err error) { lost <- err })
		})

		client.Activate(context.Background())
		first, err := dialer.NextSession(waitTimeout)
		require.NoError(t, err)
		require.NoError(t, brokertest.WaitFor(waitTimeout, client.IsConnected))

		first.Fail(errors.New("socket closed"))

		select {
		case err := <-lost:
			assert.EqualError(t, err, "socket closed")
		case <-time.After(waitTimeout):
			t.Fatal("disconnect hook not called")
		}

		second, err := dialer.NextSession(waitTimeout)
		require.NoError(t, err)
		assert.NotSame(t, first, second)
		require.NoError(t, brokertest.WaitFor(waitTimeout, func() bool {
			connects, _, _ := monitor.snapshot()
			return connects == 2
		}))

		connects, disconnects, attempts := monitor.snapshot()
		assert.Equal(t, 2, connects)
		require.Len(t, disconnects, 1)
		assert.Equal(t, []int{1}, attempts)
	})

	t.Run("session ending cleanly counts as a loss", func(t *testing.T) {
		dialer := brokertest.NewDialer()
		lost := make(chan error, 1)
		client := newTestClient(t, dialer, func(b *broker.ClientBuilder) {
			b.WithOnDisconnect(func(err error) { lost <- err })
		})

		client.Activate(context.Background())
		session, err := dialer.NextSession(waitTimeout)
		require.NoError(t, err)
		require.NoError(t, brokertest.WaitFor(waitTimeout, client.IsConnected))

		_ = session.Close()

		select {
		case err := <-lost:
			assert.ErrorIs(t, err, broker.ErrSessionEnded)
		case <-time.After(waitTimeout):
			t.Fatal("disconnect hook not called")
		}
	})

	t.Run("retries failed dials", func(t *testing.T) {
		dialer := brokertest.NewDialer()
		dialer.FailNext(errors.New("refused"), errors.New("refused"))
		client := newTestClient(t, dialer, nil)

		client.Activate(context.Background())

		require.NoError(t, brokertest.WaitFor(waitTimeout, client.IsConnected))
		assert.Len(t, dialer.Targets(), 3)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		dialer := brokertest.NewDialer()
		dialer.FailNext(errors.New("refused"), errors.New("refused"), errors.New("refused"))
		client := newTestClient(t, dialer, func(b *broker.ClientBuilder) {
			b.WithReconnectPolicy(fastPolicy(2))
		})

		client.Activate(context.Background())

		require.NoError(t, brokertest.WaitFor(waitTimeout, func() bool { return !client.IsActive() }))
		assert.Len(t, dialer.Targets(), 2)
		assert.False(t, client.IsConnected())
	})

	t.Run("no reconnect stops after loss", func(t *testing.T) {
		dialer := brokertest.NewDialer()
		client := newTestClient(t, dialer, func(b *broker.ClientBuilder) {
			b.WithReconnectPolicy(broker.NoReconnect())
		})

		client.Activate(context.Background())
		session, err := dialer.NextSession(waitTimeout)
		require.NoError(t, err)
		require.NoError(t, brokertest.WaitFor(waitTimeout, client.IsConnected))

		session.Fail(errors.New("gone"))

		require.NoError(t, brokertest.WaitFor(waitTimeout, func() bool { return !client.IsActive() }))
		assert.Len(t, dialer.Targets(), 1)
	})

	t.Run("can be reactivated after giving up", func(t *testing.T) {
		dialer := brokertest.NewDialer()
		dialer.FailNext(errors.New("refused"))
		client := newTestClient(t, dialer, func(b *broker.ClientBuilder) {
			b.WithReconnectPolicy(broker.NoReconnect())
		})

		client.Activate(context.Background())
		require.Error(t, client.WaitConnected(context.Background()))
		require.NoError(t, brokertest.WaitFor(waitTimeout, func() bool { return !client.IsActive() }))

		client.Activate(context.Background())
		require.NoError(t, client.WaitConnected(context.Background()))
		assert.True(t, client.IsConnected())
	})
}

func TestClientDeactivate(t *testing.T) {
	t.Run("deactivate closes the session", func(t *testing.T) {
		dialer := brokertest.NewDialer()
		lost := make(chan error, 1)
		client := newTestClient(t, dialer, func(b *broker.ClientBuilder) {
			b.WithOnDisconnect(func(err error) { lost <- err })
		})

		client.Activate(context.Background())
		require.NoError(t, client.WaitConnected(context.Background()))

		require.NoError(t, client.Deactivate())

		assert.False(t, client.IsActive())
		assert.False(t, client.IsConnected())
		assert.True(t, dialer.Sessions()[0].IsClosed())
		select {
		case err := <-lost:
			assert.NoError(t, err)
		default:
			t.Fatal("disconnect hook not called")
		}
	})

	t.Run("deactivate is idempotent and safe before activate", func(t *testing.T) {
		client := newTestClient(t, brokertest.NewDialer(), nil)
		assert.NoError(t, client.Deactivate())

		client.Activate(context.Background())
		require.NoError(t, client.WaitConnected(context.Background()))
		assert.NoError(t, client.Deactivate())
		assert.NoError(t, client.Deactivate())
	})

	t.Run("deactivate interrupts a pending dial", func(t *testing.T) {
		dialer := brokertest.NewDialer()
		dialer.Hold()
		defer dialer.Release()
		client := newTestClient(t, dialer, nil)

		client.Activate(context.Background())
		require.NoError(t, brokertest.WaitFor(waitTimeout, func() bool { return len(dialer.Targets()) == 1 }))

		require.NoError(t, client.Deactivate())
		assert.False(t, client.IsActive())
		assert.Empty(t, dialer.Sessions())
	})

	t.Run("cancelling the activation context stops the client", func(t *testing.T) {
		dialer := brokertest.NewDialer()
		client := newTestClient(t, dialer, nil)

		ctx, cancel := context.WithCancel(context.Background())
		client.Activate(ctx)
		require.NoError(t, client.WaitConnected(context.Background()))

		cancel()

		require.NoError(t, brokertest.WaitFor(waitTimeout, func() bool { return !client.IsActive() }))
		assert.True(t, dialer.Sessions()[0].IsClosed())
	})
}

func TestClientSend(t *testing.T) {
	t.Run("send before connect", func(t *testing.T) {
		client := newTestClient(t, brokertest.NewDialer(), nil)
		assert.ErrorIs(t, client.Send("/app/chat.sendMessage", []byte(`{}`)), socialrt.ErrNotConnected)
	})

	t.Run("send on live session", func(t *testing.T) {
		dialer := brokertest.NewDialer()
		client := newTestClient(t, dialer, nil)

		client.Activate(context.Background())
		require.NoError(t, client.WaitConnected(context.Background()))

		require.NoError(t, client.Send("/app/chat.sendMessage", []byte(`{"content":"hi"}`)))

		sent := dialer.Sessions()[0].Sent()
		require.Len(t, sent, 1)
		assert.Equal(t, "/app/chat.sendMessage", sent[0].Destination)
		assert.JSONEq(t, `{"content":"hi"}`, sent[0].Body)
	})

	t.Run("send after deactivate", func(t *testing.T) {
		dialer := brokertest.NewDialer()
		client := newTestClient(t, dialer, nil)

		client.Activate(context.Background())
		require.NoError(t, client.WaitConnected(context.Background()))
		require.NoError(t, client.Deactivate())

		assert.ErrorIs(t, client.Send("/app/chat.sendMessage", []byte(`{}`)), socialrt.ErrNotConnected)
	})
}
