// Package transport frames protocol messages over a net.Conn, one per line, and
// retries blocking I/O a bounded number of times with a fixed delay.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"gim/protocol"
)

var (
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrClosed           = errors.New("connection closed")
)

// interrupt is used as a deadline to wake up a blocked Read.
var interrupt = time.Unix(1, 0)

// Policy bounds every blocking operation on a Conn.
type Policy struct {
	Attempts     int
	Delay        time.Duration
	ReadTimeout  time.Duration // zero disables the read deadline
	WriteTimeout time.Duration // zero disables the write deadline
}

func DefaultPolicy() Policy {
	return Policy{
		Attempts:     3,
		Delay:        3 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

func (p Policy) backoff(ctx context.Context) backoff.BackOff {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(attempts-1))
	return backoff.WithContext(b, ctx)
}

// Decoder turns one line into a message. Server and client decode different directions.
type Decoder func(line string) (protocol.Message, error)

type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	decode Decoder
	policy Policy

	readMu  sync.Mutex
	partial []byte

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func NewConn(conn net.Conn, decode Decoder, policy Policy) *Conn {
	return &Conn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		decode: decode,
		policy: policy,
		closed: make(chan struct{}),
	}
}

// Dial connects to addr, retrying under the policy.
func Dial(ctx context.Context, addr string, decode Decoder, policy Policy) (*Conn, error) {
	var d net.Dialer
	conn, err := backoff.RetryWithData(func() (net.Conn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return d.DialContext(dialCtx, "tcp", addr)
	}, policy.backoff(ctx))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewConn(conn, decode, policy), nil
}

// ReadMessage blocks until a full line arrives and decodes it. Only one reader runs at a time.
// A decode failure is returned wrapped around protocol.ErrInvalidMessage and leaves the
// connection usable. Cancelling ctx interrupts a blocked read; any partial line is kept
// for the next call.
func (c *Conn) ReadMessage(ctx context.Context) (protocol.Message, error) {
	line, err := c.readLine(ctx)
	if err != nil {
		return nil, err
	}
	return c.decode(line)
}

func (c *Conn) readLine(ctx context.Context) (string, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(interrupt)
		close(interrupted)
	})
	defer func() {
		// The interrupt must land before the next reader resets the deadline.
		if !stop() {
			<-interrupted
		}
	}()

	line, err := backoff.RetryWithData(func() (string, error) {
		var deadline time.Time
		if c.policy.ReadTimeout > 0 {
			deadline = time.Now().Add(c.policy.ReadTimeout)
		}
		c.conn.SetReadDeadline(deadline)
		if err := ctx.Err(); err != nil {
			return "", backoff.Permanent(err)
		}

		chunk, err := c.reader.ReadString('\n')
		c.partial = append(c.partial, chunk...)
		if err == nil {
			line := string(c.partial)
			c.partial = c.partial[:0]
			return line, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", backoff.Permanent(ctxErr)
		}
		if isTimeout(err) {
			return "", err
		}
		return "", backoff.Permanent(c.fault(err))
	}, c.policy.backoff(ctx))
	if err != nil && ctx.Err() == nil && isTimeout(err) {
		return "", fmt.Errorf("read: %w: %w", ErrRetriesExhausted, err)
	}
	return line, err
}

// WriteMessage encodes m and writes it whole. Concurrent writers are serialized.
func (c *Conn) WriteMessage(m protocol.Message) error {
	return c.write([]byte(protocol.Encode(m)))
}

func (c *Conn) write(buf []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	err := backoff.Retry(func() error {
		var deadline time.Time
		if c.policy.WriteTimeout > 0 {
			deadline = time.Now().Add(c.policy.WriteTimeout)
		}
		c.conn.SetWriteDeadline(deadline)

		n, err := c.conn.Write(buf)
		buf = buf[n:]
		if err == nil {
			return nil
		}
		if isTimeout(err) {
			return err
		}
		return backoff.Permanent(c.fault(err))
	}, c.policy.backoff(context.Background()))
	if err != nil && isTimeout(err) {
		return fmt.Errorf("write: %w: %w", ErrRetriesExhausted, err)
	}
	return err
}

func (c *Conn) fault(err error) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
		return err
	}
}

// Close closes the underlying connection once; later calls are no-ops.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Closed is closed once Close has been called.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
