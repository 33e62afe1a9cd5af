package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"gim/protocol"
	"gim/transport"
)

const (
	busyReply     = "server busy"
	shutdownReply = "Server is shutting down"
)

type Server struct {
	store    Store
	config   *ServerConfig
	registry *Registry
	notifier *Dispatcher
	log      *slog.Logger
	slots    *semaphore.Weighted

	// ctx is cancelled when the server starts draining.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    serverState
	listener net.Listener
	sessions map[*Session]struct{}
	handlers sync.WaitGroup
	stopped  chan struct{}
}

type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RetryAttempts   int
	RetryDelay      time.Duration
	ShutdownTimeout time.Duration
	MaxConnections  int
	NotifyWorkers   int
	NotifyQueue     int
}

// New builds a server over store. Every stored account starts out offline.
func New(store Store, config *ServerConfig, log *slog.Logger) (*Server, error) {
	if config.MaxConnections < 1 {
		config.MaxConnections = 1
	}
	if log == nil {
		log = slog.Default()
	}

	users, err := store.Users()
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	registry := NewRegistry()
	registry.Load(users)

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		store:    store,
		config:   config,
		registry: registry,
		notifier: NewDispatcher(registry, config.NotifyWorkers, config.NotifyQueue, log),
		log:      log,
		slots:    semaphore.NewWeighted(int64(config.MaxConnections)),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[*Session]struct{}),
		stopped:  make(chan struct{}),
	}, nil
}

func (s *Server) Registry() *Registry {
	return s.registry
}

// Start listens on the configured port and serves until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve accepts connections on l until Shutdown closes it.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	s.log.Info("gim server started", "addr", l.Addr().String())

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				if s.draining() {
					return nil
				}
				return err
			}
			s.log.Warn("error accepting connection", "error", err)
			continue
		}

		if !s.slots.TryAcquire(1) {
			go s.reject(conn)
			continue
		}
		go s.serve(conn, func() { s.slots.Release(1) })
	}
}

// Addr returns the listening address once Serve has been called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) reject(conn net.Conn) {
	defer conn.Close()
	s.log.Warn("connection limit reached, rejecting", "remote", conn.RemoteAddr().String())
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	io.WriteString(conn, protocol.Encode(protocol.Error{Text: busyReply}))
}

func (s *Server) policy() transport.Policy {
	return transport.Policy{
		Attempts:     s.config.RetryAttempts,
		Delay:        s.config.RetryDelay,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
}

// ServeConn runs the request loop for one client connection and returns when it ends.
func (s *Server) ServeConn(conn net.Conn) {
	s.serve(conn, nil)
}

// serve runs the connection. done, if set, is called once the session is released.
func (s *Server) serve(conn net.Conn, done func()) {
	sess := &Session{
		id:     uuid.NewString(),
		conn:   transport.NewConn(conn, protocol.DecodeRequest, s.policy()),
		server: s,
		done:   done,
	}
	sess.log = s.log.With("conn", sess.id, "remote", conn.RemoteAddr().String())

	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		sess.conn.Close()
		if done != nil {
			done()
		}
		return
	}
	s.sessions[sess] = struct{}{}
	s.handlers.Add(1)
	s.mu.Unlock()

	defer s.release(sess)
	sess.log.Info("client connected")
	s.handleConnection(sess)
}

func (s *Server) handleConnection(sess *Session) {
	for {
		if s.ctx.Err() != nil {
			s.sayGoodbye(sess)
			return
		}

		msg, err := sess.conn.ReadMessage(s.ctx)
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrInvalidMessage):
				sess.log.Debug("invalid request", "error", err)
				if err := sess.conn.WriteMessage(protocol.Error{Text: "Invalid request"}); err != nil {
					sess.log.Warn("failed to write reply", "error", err)
					return
				}
				continue
			case s.ctx.Err() != nil:
				s.sayGoodbye(sess)
			case errors.Is(err, io.EOF), errors.Is(err, transport.ErrClosed):
				sess.log.Info("client disconnected")
			default:
				sess.log.Warn("connection fault", "error", err)
			}
			return
		}

		reply := sess.handle(msg)
		if err := sess.conn.WriteMessage(reply); err != nil {
			sess.log.Warn("failed to write reply", "tag", reply.Tag(), "error", err)
			return
		}
		if sess.closing() {
			return
		}
	}
}

// sayGoodbye tells the client the server is going away. Best effort.
func (s *Server) sayGoodbye(sess *Session) {
	sess.log.Debug("closing connection for shutdown")
	if err := sess.conn.WriteMessage(protocol.PushNotice{Text: shutdownReply}); err != nil {
		sess.log.Debug("failed to send shutdown notice", "error", err)
	}
}

// release runs exactly once per connection, whatever ended it.
func (s *Server) release(sess *Session) {
	if identity := sess.unbind(stateClosed); identity != "" {
		s.goOffline(identity, time.Now(), sess.log)
	}
	sess.conn.Close()
	if sess.done != nil {
		sess.done()
	}

	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()

	sess.log.Info("connection closed")
	s.handlers.Done()
}

// goOffline marks identity offline and tells everyone else.
func (s *Server) goOffline(identity string, at time.Time, log *slog.Logger) {
	s.registry.MarkOffline(identity, at)
	if err := s.store.UpdateLastSeen(identity, at); err != nil {
		log.Error("failed to update last seen", "user", identity, "error", err)
	}
	s.notifier.Notify(AllExcept(identity), protocol.PushNotice{Text: identity + " is now offline"})
}

// GetStats reports open connections and online users for the control socket.
func (s *Server) GetStats() string {
	s.mu.Lock()
	connections := len(s.sessions)
	s.mu.Unlock()

	online := s.registry.Online("")
	users := make([]string, 0, len(online))
	for _, p := range online {
		users = append(users, p.Identity)
	}

	return fmt.Sprintf("connections=%d,users=%s", connections, strings.Join(users, ";"))
}
