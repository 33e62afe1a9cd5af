// Package client talks to a gim server: a typed request API over a Channel that
// keeps notifications flowing while the user is logged in.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"gim/models"
	"gim/protocol"
	"gim/transport"
)

var (
	ErrNotLoggedIn     = errors.New("not logged in")
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// ServerError is an Error reply from the server.
type ServerError struct {
	Text string
}

func (e *ServerError) Error() string { return e.Text }

type Options struct {
	Policy       transport.Policy
	PingInterval time.Duration // zero disables keepalive pings
	OnNotify     NotificationHandler
	Logger       *slog.Logger
}

type Client struct {
	ch   *Channel
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	username string
	stopPing context.CancelFunc
	pingDone chan struct{}
}

// Dial connects to addr, retrying under opts.Policy.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	conn, err := transport.Dial(ctx, addr, protocol.DecodeResponse, opts.Policy)
	if err != nil {
		return nil, err
	}
	return newClient(conn, opts), nil
}

// New wraps an established connection.
func New(conn net.Conn, opts Options) *Client {
	return newClient(transport.NewConn(conn, protocol.DecodeResponse, opts.Policy), opts)
}

func newClient(conn *transport.Conn, opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		ch:   NewChannel(conn, opts.OnNotify, log),
		opts: opts,
		log:  log,
	}
}

// Username returns the logged in identity, or "" when logged out.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Done is closed when the connection is lost or closed.
func (c *Client) Done() <-chan struct{} {
	return c.ch.Done()
}

func (c *Client) Err() error {
	return c.ch.Err()
}

func (c *Client) call(req protocol.Message) (protocol.Message, error) {
	reply, err := c.ch.Call(req)
	if err != nil {
		return nil, err
	}
	if e, ok := reply.(protocol.Error); ok {
		return nil, &ServerError{Text: e.Text}
	}
	return reply, nil
}

func unexpected(reply protocol.Message) error {
	return fmt.Errorf("%w: %s", ErrUnexpectedReply, reply.Tag())
}

func (c *Client) Login(username, password string) error {
	return c.auth(protocol.AuthLogin, username, password)
}

func (c *Client) CreateAccount(username, password string) error {
	return c.auth(protocol.AuthCreate, username, password)
}

func (c *Client) auth(kind protocol.AuthKind, username, password string) error {
	reply, err := c.call(protocol.AuthRequest{Kind: kind, Username: username, Password: password})
	if err != nil {
		return err
	}
	res, ok := reply.(protocol.AuthResult)
	if !ok {
		return unexpected(reply)
	}

	c.mu.Lock()
	c.username = res.Username
	c.mu.Unlock()

	c.startBackground()
	return nil
}

// DeleteAccount deletes an account. Deleting the logged in account logs out
// but keeps the connection open.
func (c *Client) DeleteAccount(username, password string) error {
	reply, err := c.call(protocol.AuthRequest{Kind: protocol.AuthDelete, Username: username, Password: password})
	if err != nil {
		return err
	}
	if _, ok := reply.(protocol.Ack); !ok {
		return unexpected(reply)
	}

	if c.Username() == username {
		c.stopBackground()
		c.mu.Lock()
		c.username = ""
		c.mu.Unlock()
	}
	return nil
}

// Send sends body to recipient, stamped with the current time.
func (c *Client) Send(recipient, body string) error {
	sender := c.Username()
	if sender == "" {
		return ErrNotLoggedIn
	}

	reply, err := c.call(protocol.ChatSend{ChatMessage: models.ChatMessage{
		Sender:    sender,
		Recipient: recipient,
		Body:      body,
		Timestamp: time.Now(),
	}})
	if err != nil {
		return err
	}
	if _, ok := reply.(protocol.Ack); !ok {
		return unexpected(reply)
	}
	return nil
}

// History returns the conversation with peer, oldest first.
func (c *Client) History(peer string) ([]models.ChatMessage, error) {
	me := c.Username()
	if me == "" {
		return nil, ErrNotLoggedIn
	}

	reply, err := c.call(protocol.ChatHistoryQuery{ParticipantA: me, ParticipantB: peer})
	if err != nil {
		return nil, err
	}
	chat, ok := reply.(protocol.ChatLog)
	if !ok {
		return nil, unexpected(reply)
	}
	return chat.Messages, nil
}

// Contacts returns every other account with its display status.
func (c *Client) Contacts() (map[string]string, error) {
	reply, err := c.call(protocol.ContactsQuery{})
	if err != nil {
		return nil, err
	}
	snap, ok := reply.(protocol.ContactSnapshot)
	if !ok {
		return nil, unexpected(reply)
	}
	return snap.Contacts, nil
}

func (c *Client) Ping() error {
	reply, err := c.call(protocol.Ping{})
	if err != nil {
		return err
	}
	if _, ok := reply.(protocol.Ack); !ok {
		return unexpected(reply)
	}
	return nil
}

// Logout says goodbye and closes the connection; the server closes its end too.
func (c *Client) Logout() error {
	if c.Username() == "" {
		return ErrNotLoggedIn
	}
	c.stopPinger()

	reply, err := c.call(protocol.Disconnect{Timestamp: time.Now()})
	c.stopBackground()
	c.mu.Lock()
	c.username = ""
	c.mu.Unlock()
	c.ch.Close()

	if err != nil {
		return err
	}
	if _, ok := reply.(protocol.Ack); !ok {
		return unexpected(reply)
	}
	return nil
}

// Close drops the connection without logging out.
func (c *Client) Close() error {
	err := c.ch.Close()
	c.stopBackground()
	return err
}

func (c *Client) startBackground() {
	c.ch.StartListener()

	if c.opts.PingInterval <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopPing != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.stopPing = cancel
	c.pingDone = make(chan struct{})
	go c.pingLoop(ctx, c.pingDone)
}

func (c *Client) stopBackground() {
	c.stopPinger()
	c.ch.StopListener()
}

func (c *Client) stopPinger() {
	c.mu.Lock()
	cancel, done := c.stopPing, c.pingDone
	c.stopPing, c.pingDone = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// pingLoop keeps the server's read deadline from expiring while the user is idle.
func (c *Client) pingLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ch.Done():
			return
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				c.log.Warn("ping failed", "error", err)
			}
		}
	}
}
