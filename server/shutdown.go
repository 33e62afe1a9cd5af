package server

import (
	"context"
	"errors"
	"time"
)

var (
	ErrServerClosed    = errors.New("server closed")
	ErrShutdownTimeout = errors.New("handlers did not exit before the shutdown deadline")
)

type serverState int

const (
	stateRunning serverState = iota
	stateDraining
	stateStopped
)

func (s *Server) draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != stateRunning
}

// Shutdown stops accepting connections, lets every handler finish the request it
// is serving, and force-closes whatever is still open once the shutdown timeout or
// ctx expires. Pending notifications are flushed before it returns. The store is
// left open for the caller to close. Later calls wait for the first to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		<-s.stopped
		return nil
	}
	s.state = stateDraining
	listener := s.listener
	s.mu.Unlock()

	s.log.Info("shutting down", "connections", s.connectionCount())

	if listener != nil {
		if err := listener.Close(); err != nil {
			s.log.Warn("failed to close listener", "error", err)
		}
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var err error
	if !s.wait(ctx, done, timeout) {
		s.log.Warn("shutdown timeout reached, closing remaining connections", "connections", s.connectionCount())
		s.forceClose()
		if !s.wait(context.Background(), done, timeout) {
			err = ErrShutdownTimeout
		}
	}

	s.notifier.Close()

	s.mu.Lock()
	s.state = stateStopped
	s.mu.Unlock()
	close(s.stopped)

	s.log.Info("server stopped")
	return err
}

func (s *Server) wait(ctx context.Context, done <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Server) forceClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		sess.conn.Close()
	}
}

func (s *Server) connectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
