package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// Control serves management commands on a unix socket: "stats" and "shutdown".
type Control struct {
	path       string
	srv        *Server
	onShutdown func()
	log        *slog.Logger
}

// NewControl creates a control endpoint at path. onShutdown is called once the
// shutdown command has been acknowledged.
func NewControl(path string, srv *Server, onShutdown func()) *Control {
	return &Control{
		path:       path,
		srv:        srv,
		onShutdown: onShutdown,
		log:        srv.log.With("component", "control"),
	}
}

// Serve listens until ctx is cancelled, then removes the socket file.
func (c *Control) Serve(ctx context.Context) error {
	os.Remove(c.path)

	listener, err := net.Listen("unix", c.path)
	if err != nil {
		return fmt.Errorf("failed to create control socket: %w", err)
	}
	defer os.Remove(c.path)

	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	c.log.Info("control socket listening", "path", c.path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			c.log.Warn("control accept failed", "error", err)
			continue
		}
		go c.handle(conn)
	}
}

func (c *Control) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}

	switch cmd := strings.TrimSpace(line); cmd {
	case "stats":
		fmt.Fprintf(conn, "OK|%s\n", c.srv.GetStats())
	case "shutdown":
		fmt.Fprint(conn, "OK|Shutting down\n")
		conn.Close()
		c.log.Info("shutdown requested over control socket")
		if c.onShutdown != nil {
			c.onShutdown()
		}
	default:
		fmt.Fprint(conn, "ERROR|Unknown command\n")
	}
}

// SendControl sends cmd to the control socket at path and returns the reply payload.
func SendControl(path, cmd string) (string, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return "", fmt.Errorf("failed to connect to control socket: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := fmt.Fprintf(conn, "%s\n", cmd); err != nil {
		return "", err
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}

	status, payload, _ := strings.Cut(strings.TrimSpace(line), "|")
	if status != "OK" {
		return "", fmt.Errorf("control command %q failed: %s", cmd, payload)
	}
	return payload, nil
}
