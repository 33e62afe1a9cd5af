package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"gim/protocol"
	"gim/transport"
)

var ErrClosed = errors.New("channel closed")

// NotificationHandler receives pushed messages in arrival order. It runs on the
// goroutine that read the message and must return quickly.
type NotificationHandler func(m protocol.Message)

// Channel multiplexes one connection between a foreground caller waiting for a
// reply and a background listener waiting for notifications. There is no request
// id on the wire: with at most one request outstanding, any reply-typed message
// is the answer to it.
type Channel struct {
	conn   *transport.Conn
	notify NotificationHandler
	log    *slog.Logger

	// callMu keeps the protocol half-duplex: one request in flight.
	callMu sync.Mutex

	// readTok is held by whoever is reading the connection.
	readTok chan struct{}

	slotMu sync.Mutex
	held   []protocol.Message
	ready  chan struct{}

	listenMu     sync.Mutex
	listenCancel context.CancelFunc
	listenDone   chan struct{}

	failOnce sync.Once
	err      error
	done     chan struct{}
}

func NewChannel(conn *transport.Conn, notify NotificationHandler, log *slog.Logger) *Channel {
	if notify == nil {
		notify = func(protocol.Message) {}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		conn:    conn,
		notify:  notify,
		log:     log,
		readTok: make(chan struct{}, 1),
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Call sends req and blocks until its reply arrives or the channel fails.
// Notifications read while waiting go to the handler.
func (c *Channel) Call(req protocol.Message) (protocol.Message, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	if err := c.Err(); err != nil {
		return nil, err
	}
	if err := c.conn.WriteMessage(req); err != nil {
		c.fail(err)
		return nil, c.Err()
	}
	return c.awaitReply()
}

func (c *Channel) awaitReply() (protocol.Message, error) {
	for {
		if m, ok := c.takeHeld(); ok {
			return m, nil
		}

		select {
		case <-c.ready:
		case c.readTok <- struct{}{}:
			// The listener may have stored the reply just before releasing the token.
			if m, ok := c.takeHeld(); ok {
				<-c.readTok
				return m, nil
			}
			m, err := c.read(context.Background())
			<-c.readTok
			if err != nil {
				return nil, err
			}
			if m != nil {
				return m, nil
			}
		case <-c.done:
			return nil, c.Err()
		}
	}
}

// read pulls one message. Notifications are delivered before the read token is
// released, so they reach the handler in arrival order. It returns a nil message
// when there is nothing for the caller.
func (c *Channel) read(ctx context.Context) (protocol.Message, error) {
	m, err := c.conn.ReadMessage(ctx)
	if err != nil {
		if errors.Is(err, protocol.ErrInvalidMessage) {
			c.log.Warn("skipping malformed message from server", "error", err)
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.fail(err)
		return nil, c.Err()
	}
	if protocol.IsNotification(m) {
		c.notify(m)
		return nil, nil
	}
	return m, nil
}

// StartListener reads notifications in the background until StopListener.
// Replies it reads are held for the foreground caller.
func (c *Channel) StartListener() {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()

	if c.listenCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.listenCancel = cancel
	c.listenDone = make(chan struct{})
	go c.listen(ctx, c.listenDone)
}

// StopListener stops the background listener and waits for it to exit.
func (c *Channel) StopListener() {
	c.listenMu.Lock()
	cancel, done := c.listenCancel, c.listenDone
	c.listenCancel, c.listenDone = nil, nil
	c.listenMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Channel) listen(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case c.readTok <- struct{}{}:
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}

		// Store the reply before giving up the token so a caller that takes it next sees the reply.
		m, err := c.read(ctx)
		if m != nil {
			c.hold(m)
		}
		<-c.readTok
		if err != nil {
			return
		}
	}
}

func (c *Channel) hold(m protocol.Message) {
	c.slotMu.Lock()
	c.held = append(c.held, m)
	c.slotMu.Unlock()

	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func (c *Channel) takeHeld() (protocol.Message, bool) {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()

	if len(c.held) == 0 {
		return nil, false
	}
	m := c.held[0]
	c.held = c.held[1:]
	return m, true
}

func (c *Channel) fail(err error) {
	c.failOnce.Do(func() {
		c.err = err
		close(c.done)
		c.conn.Close()
	})
}

// Err returns the error that ended the channel, or nil while it is usable.
func (c *Channel) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Done is closed when the channel fails or is closed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Close stops the listener and closes the connection.
func (c *Channel) Close() error {
	c.fail(ErrClosed)
	c.StopListener()
	return nil
}
