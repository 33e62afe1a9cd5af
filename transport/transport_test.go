package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"gim/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	return Policy{
		Attempts:     3,
		Delay:        10 * time.Millisecond,
		ReadTimeout:  50 * time.Millisecond,
		WriteTimeout: 50 * time.Millisecond,
	}
}

func TestWriteRetriesUntilPeerReads(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	c := NewConn(local, protocol.DecodeResponse, fastPolicy())

	got := make(chan string, 1)
	go func() {
		// Let the first attempt time out before draining.
		time.Sleep(80 * time.Millisecond)
		line, _ := bufio.NewReader(remote).ReadString('\n')
		got <- line
	}()

	require.NoError(t, c.WriteMessage(protocol.Ack{Text: "done"}))
	assert.Equal(t, "ok|done\n", <-got)
}

func TestWriteGivesUpAfterAttempts(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	c := NewConn(local, protocol.DecodeResponse, fastPolicy())

	start := time.Now()
	err := c.WriteMessage(protocol.Ack{Text: "nobody listens"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestReadGivesUpOnIdlePeer(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	c := NewConn(local, protocol.DecodeRequest, fastPolicy())

	_, err := c.ReadMessage(context.Background())
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestReadSurvivesTimeoutMidLine(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	c := NewConn(local, protocol.DecodeRequest, fastPolicy())

	go func() {
		remote.Write([]byte("hist|ali"))
		time.Sleep(70 * time.Millisecond)
		remote.Write([]byte("ce|bob\n"))
	}()

	msg, err := c.ReadMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.ChatHistoryQuery{ParticipantA: "alice", ParticipantB: "bob"}, msg)
}

func TestCancelInterruptsBlockedRead(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	policy := fastPolicy()
	policy.ReadTimeout = 0
	c := NewConn(local, protocol.DecodeRequest, policy)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.ReadMessage(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("read was not interrupted")
	}

	// The connection stays usable after an interrupted read.
	go remote.Write([]byte("contacts\n"))
	msg, err := c.ReadMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.ContactsQuery{}, msg)
}

func TestCancelledReadLeavesNextReadAlone(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	policy := fastPolicy()
	policy.Attempts = 1
	policy.ReadTimeout = 0
	c := NewConn(local, protocol.DecodeRequest, policy)

	for i := 0; i < 100; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := c.ReadMessage(ctx)
		require.ErrorIs(t, err, context.Canceled)

		go remote.Write([]byte("ping\n"))
		msg, err := c.ReadMessage(context.Background())
		require.NoError(t, err, "iteration %d", i)
		assert.Equal(t, protocol.Ping{}, msg)
	}
}

func TestDecodeErrorKeepsConnection(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	c := NewConn(local, protocol.DecodeRequest, fastPolicy())

	go remote.Write([]byte("garbage|x\nping\n"))

	_, err := c.ReadMessage(context.Background())
	assert.ErrorIs(t, err, protocol.ErrInvalidMessage)

	msg, err := c.ReadMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.Ping{}, msg)
}

func TestReadAfterCloseReportsClosed(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	c := NewConn(local, protocol.DecodeRequest, fastPolicy())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.ReadMessage(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
}
