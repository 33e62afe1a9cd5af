package server

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gim/models"
	"gim/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPeer struct {
	mu  sync.Mutex
	got []protocol.Message
}

func (p *recordingPeer) Deliver(m protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, m)
	return nil
}

func (p *recordingPeer) messages() []protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Message(nil), p.got...)
}

type failingPeer struct{}

func (failingPeer) Deliver(protocol.Message) error { return errors.New("broken pipe") }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTryMarkOnlineIsExclusive(t *testing.T) {
	r := NewRegistry()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.TryMarkOnline("alice", &recordingPeer{}) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	_, ok := r.Lookup("alice")
	assert.True(t, ok)
}

func TestMarkOfflineThenOnlineAgain(t *testing.T) {
	r := NewRegistry()
	p := &recordingPeer{}

	require.True(t, r.TryMarkOnline("alice", p))
	assert.True(t, r.MarkOffline("alice", time.Now()))
	assert.False(t, r.MarkOffline("alice", time.Now()))

	_, ok := r.Lookup("alice")
	assert.False(t, ok)
	assert.True(t, r.TryMarkOnline("alice", p))
}

func TestSnapshotExcludesSelf(t *testing.T) {
	r := NewRegistry()
	seen := time.Date(2024, 1, 1, 12, 0, 0, 0, time.Local)
	r.Load([]models.User{{Username: "carol", LastSeen: seen}, {Username: "dave"}})
	require.True(t, r.TryMarkOnline("alice", &recordingPeer{}))
	require.True(t, r.TryMarkOnline("bob", &recordingPeer{}))

	snap := r.Snapshot("alice")
	assert.Equal(t, map[string]string{
		"bob":   StatusOnline,
		"carol": "Last seen 01 January 24, 12:00",
		"dave":  "Offline",
	}, snap)
}

func TestLoadKeepsOnlineEntries(t *testing.T) {
	r := NewRegistry()
	require.True(t, r.TryMarkOnline("alice", &recordingPeer{}))
	r.Load([]models.User{{Username: "alice"}})

	_, ok := r.Lookup("alice")
	assert.True(t, ok)
}

func TestReserveDeleteRefusesOtherOwner(t *testing.T) {
	r := NewRegistry()
	owner := &recordingPeer{}
	require.True(t, r.TryMarkOnline("alice", owner))

	_, ok := r.ReserveDelete("alice", &recordingPeer{})
	assert.False(t, ok)

	undo, ok := r.ReserveDelete("alice", owner)
	require.True(t, ok)
	_, ok = r.ReserveDelete("alice", owner)
	assert.False(t, ok, "a second deletion must wait for the first")

	undo()
	peer, online := r.Lookup("alice")
	assert.True(t, online)
	assert.Same(t, owner, peer)

	_, ok = r.ReserveDelete("alice", owner)
	require.True(t, ok)
	r.Remove("alice")
	assert.NotContains(t, r.Snapshot(""), "alice")
}

func TestReservedIdentityCannotGoOnline(t *testing.T) {
	r := NewRegistry()
	r.Load([]models.User{{Username: "bob"}})

	undo, ok := r.ReserveDelete("bob", nil)
	require.True(t, ok)
	assert.False(t, r.TryMarkOnline("bob", &recordingPeer{}))

	undo()
	assert.Equal(t, "Offline", r.Snapshot("")["bob"])
	assert.True(t, r.TryMarkOnline("bob", &recordingPeer{}))
}

func TestUndoDeleteOfUnknownIdentityLeavesNoEntry(t *testing.T) {
	r := NewRegistry()

	undo, ok := r.ReserveDelete("ghost", nil)
	require.True(t, ok)
	undo()
	assert.NotContains(t, r.Snapshot(""), "ghost")
}

func TestOnlineIsSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"carol", "alice", "bob"} {
		require.True(t, r.TryMarkOnline(id, &recordingPeer{}))
	}
	r.MarkOffline("bob", time.Now())

	var ids []string
	for _, p := range r.Online("") {
		ids = append(ids, p.Identity)
	}
	assert.Equal(t, []string{"alice", "carol"}, ids)
}

func TestDispatcherDirectedAndBroadcast(t *testing.T) {
	r := NewRegistry()
	alice, bob := &recordingPeer{}, &recordingPeer{}
	require.True(t, r.TryMarkOnline("alice", alice))
	require.True(t, r.TryMarkOnline("bob", bob))
	require.True(t, r.TryMarkOnline("mallory", failingPeer{}))

	d := NewDispatcher(r, 2, 16, discardLogger())
	assert.True(t, d.Notify(To("bob"), protocol.PushNotice{Text: "direct"}))
	assert.True(t, d.Notify(AllExcept("alice"), protocol.PushNotice{Text: "everyone"}))
	assert.True(t, d.Notify(To("carol"), protocol.PushNotice{Text: "offline"}))
	d.Close()

	assert.ElementsMatch(t, []protocol.Message{
		protocol.PushNotice{Text: "direct"},
		protocol.PushNotice{Text: "everyone"},
	}, bob.messages())
	assert.Empty(t, alice.messages())
}

func TestDispatcherSkipsRecipientOfflineWhenQueued(t *testing.T) {
	r := NewRegistry()
	bob := &recordingPeer{}

	d := NewDispatcher(r, 1, 16, discardLogger())
	require.True(t, d.Notify(To("bob"), protocol.PushNotice{Text: "sent while away"}))
	require.True(t, r.TryMarkOnline("bob", bob))
	require.True(t, d.Notify(To("bob"), protocol.PushNotice{Text: "welcome"}))
	d.Close()

	assert.Equal(t, []protocol.Message{protocol.PushNotice{Text: "welcome"}}, bob.messages())
}

// slowFirstPeer stalls its first delivery, as a write retry would.
type slowFirstPeer struct {
	recordingPeer
	once sync.Once
}

func (p *slowFirstPeer) Deliver(m protocol.Message) error {
	p.once.Do(func() { time.Sleep(100 * time.Millisecond) })
	return p.recordingPeer.Deliver(m)
}

func TestDispatcherKeepsOrderPerRecipient(t *testing.T) {
	r := NewRegistry()
	bob := &slowFirstPeer{}
	require.True(t, r.TryMarkOnline("bob", bob))
	require.True(t, r.TryMarkOnline("carol", &recordingPeer{}))

	d := NewDispatcher(r, 4, 16, discardLogger())
	require.True(t, d.Notify(To("bob"), protocol.PushNotice{Text: "alice is now online"}))
	require.True(t, d.Notify(AllExcept("carol"), protocol.PushNotice{Text: "carol says hi"}))
	require.True(t, d.Notify(To("bob"), protocol.PushNotice{Text: "alice is now offline"}))
	d.Close()

	assert.Equal(t, []protocol.Message{
		protocol.PushNotice{Text: "alice is now online"},
		protocol.PushNotice{Text: "carol says hi"},
		protocol.PushNotice{Text: "alice is now offline"},
	}, bob.messages())
}

func TestDispatcherDropsWhenFullOrClosed(t *testing.T) {
	r := NewRegistry()
	block := make(chan struct{})
	require.True(t, r.TryMarkOnline("gate", &gatePeer{release: block}))

	d := NewDispatcher(r, 1, 1, discardLogger())
	require.True(t, d.Notify(To("gate"), protocol.PushNotice{Text: "1"}))

	// One delivery is with the worker, at most one fits in its backlog.
	dropped := false
	for i := 0; i < 3; i++ {
		if !d.Notify(To("gate"), protocol.PushNotice{Text: "more"}) {
			dropped = true
		}
	}
	assert.True(t, dropped)

	close(block)
	d.Close()
	assert.False(t, d.Notify(To("gate"), protocol.PushNotice{Text: "after close"}))
}

type gatePeer struct {
	release chan struct{}
}

func (g *gatePeer) Deliver(m protocol.Message) error {
	<-g.release
	return nil
}

func TestDisplayStatusFormat(t *testing.T) {
	seen := time.Date(2023, 11, 5, 7, 9, 0, 0, time.Local)
	status := displayStatus(presence{lastSeen: seen})
	assert.True(t, strings.HasPrefix(status, "Last seen "))
	assert.Equal(t, "Last seen 05 November 23, 07:09", status)
}
