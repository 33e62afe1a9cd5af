package server

import (
	"log/slog"
	"sync"

	"gim/protocol"
	"gim/transport"
)

type sessionState int

const (
	stateUnauthenticated sessionState = iota
	stateAuthenticated
	stateClosed
)

func (st sessionState) String() string {
	switch st {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateAuthenticated:
		return "authenticated"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is the server side of one client connection.
type Session struct {
	id     string
	conn   *transport.Conn
	server *Server
	log    *slog.Logger
	done   func()

	mu       sync.Mutex
	state    sessionState
	identity string
}

// Deliver pushes a notification to the client. A write that fails after retries
// closes the connection so its handler winds down.
func (sess *Session) Deliver(m protocol.Message) error {
	if err := sess.conn.WriteMessage(m); err != nil {
		sess.conn.Close()
		return err
	}
	return nil
}

func (sess *Session) Identity() string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.identity
}

func (sess *Session) current() (sessionState, string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.state, sess.identity
}

func (sess *Session) bind(identity string) {
	sess.mu.Lock()
	sess.state = stateAuthenticated
	sess.identity = identity
	sess.mu.Unlock()

	sess.log = sess.log.With("user", identity)
}

// unbind detaches the identity and moves to next. The identity is returned to
// exactly one caller, which then owns marking it offline.
func (sess *Session) unbind(next sessionState) string {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	identity := sess.identity
	sess.identity = ""
	sess.state = next
	return identity
}

func (sess *Session) closing() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.state == stateClosed
}
