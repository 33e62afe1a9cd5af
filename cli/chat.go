package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"gim/client"
	"gim/protocol"
	"gim/transport"
)

const chatHelp = `Commands:
  /signup <user> [password]   create an account and log in
  /login <user> [password]    log in
  /delete <user> [password]   delete an account
  /contacts                   list other users and their status
  /history <user>             show the conversation with a user
  /msg <user> <text>          send a message
  /logout                     log out and disconnect
  /quit                       leave
`

func newChatCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive line-based client",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := newChatSession(a, cmd.InOrStdin(), cmd.OutOrStdout())
			defer s.close()
			return s.run(cmd.Context())
		},
	}
	cmd.Flags().String("server", "", "server address host:port")
	_ = a.v.BindPFlag("server", cmd.Flags().Lookup("server"))
	return cmd
}

type chatSession struct {
	addr   string
	opts   client.Options
	lines  *bufio.Scanner
	prompt func(label string) (string, error)

	outMu sync.Mutex
	out   io.Writer

	c *client.Client
}

func newChatSession(a *app, in io.Reader, out io.Writer) *chatSession {
	s := &chatSession{
		addr:  a.cfg.Server,
		lines: bufio.NewScanner(in),
		out:   out,
	}
	s.opts = client.Options{
		Policy: transport.Policy{
			Attempts:     a.cfg.RetryAttempts,
			Delay:        a.cfg.RetryDelay,
			WriteTimeout: a.cfg.WriteTimeout,
		},
		PingInterval: a.cfg.PingInterval,
		OnNotify:     s.notify,
		Logger:       a.log,
	}
	s.prompt = s.readPassword
	return s
}

func (s *chatSession) printf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

func (s *chatSession) notify(m protocol.Message) {
	switch v := m.(type) {
	case protocol.PushNotice:
		s.printf("* %s\n", v.Text)
	case protocol.ChatSend:
		s.printf("%s\n", v.ChatMessage)
	}
}

// readPassword reads without echo on a terminal, or the next input line otherwise.
func (s *chatSession) readPassword(label string) (string, error) {
	s.printf("%s: ", label)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		password, err := term.ReadPassword(fd)
		s.printf("\n")
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(password), nil
	}
	if !s.lines.Scan() {
		return "", io.ErrUnexpectedEOF
	}
	return strings.TrimSpace(s.lines.Text()), nil
}

func (s *chatSession) run(ctx context.Context) error {
	s.printf("Connected to gim. Type /help for commands.\n")
	for s.lines.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(s.lines.Text())
		if line == "" {
			continue
		}
		quit, err := s.handle(ctx, line)
		if err != nil {
			s.printf("error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
	return s.lines.Err()
}

func (s *chatSession) handle(ctx context.Context, line string) (bool, error) {
	cmd, rest, _ := strings.Cut(line, " ")
	args := strings.Fields(rest)

	switch cmd {
	case "/help":
		s.printf("%s", chatHelp)
	case "/quit", "/exit":
		return true, nil
	case "/signup", "/login", "/delete":
		return false, s.auth(ctx, cmd, args)
	case "/contacts":
		c, err := s.connected()
		if err != nil {
			return false, err
		}
		contacts, err := c.Contacts()
		if err != nil {
			return false, err
		}
		names := make([]string, 0, len(contacts))
		for name := range contacts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			s.printf("%-16s %s\n", name, contacts[name])
		}
	case "/history":
		if len(args) != 1 {
			return false, errors.New("usage: /history <user>")
		}
		c, err := s.connected()
		if err != nil {
			return false, err
		}
		messages, err := c.History(args[0])
		if err != nil {
			return false, err
		}
		for _, m := range messages {
			s.printf("%s\n", m)
		}
	case "/msg":
		to, body, _ := strings.Cut(strings.TrimSpace(rest), " ")
		if to == "" || strings.TrimSpace(body) == "" {
			return false, errors.New("usage: /msg <user> <text>")
		}
		c, err := s.connected()
		if err != nil {
			return false, err
		}
		return false, c.Send(to, body)
	case "/logout":
		c, err := s.connected()
		if err != nil {
			return false, err
		}
		err = c.Logout()
		s.c = nil
		if err == nil {
			s.printf("Logged out.\n")
		}
		return false, err
	default:
		return false, fmt.Errorf("unknown command %q, try /help", cmd)
	}
	return false, nil
}

func (s *chatSession) auth(ctx context.Context, cmd string, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: %s <user> [password]", cmd)
	}
	user := args[0]
	password := ""
	if len(args) == 2 {
		password = args[1]
	} else {
		var err error
		if password, err = s.prompt("Password"); err != nil {
			return err
		}
	}

	c, err := s.dial(ctx)
	if err != nil {
		return err
	}

	switch cmd {
	case "/signup":
		err = c.CreateAccount(user, password)
	case "/login":
		err = c.Login(user, password)
	case "/delete":
		if err = c.DeleteAccount(user, password); err == nil {
			s.printf("Account %s deleted.\n", user)
		}
		return err
	}
	if err != nil {
		return err
	}
	s.printf("Logged in as %s.\n", c.Username())
	return nil
}

// dial reuses the open connection or makes a new one.
func (s *chatSession) dial(ctx context.Context) (*client.Client, error) {
	if s.c != nil && s.c.Err() == nil {
		return s.c, nil
	}
	c, err := client.Dial(ctx, s.addr, s.opts)
	if err != nil {
		return nil, err
	}
	s.c = c
	return c, nil
}

func (s *chatSession) connected() (*client.Client, error) {
	if s.c == nil || s.c.Err() != nil {
		return nil, client.ErrNotLoggedIn
	}
	return s.c, nil
}

func (s *chatSession) close() {
	if s.c == nil {
		return
	}
	if s.c.Username() != "" {
		s.c.Logout()
		return
	}
	s.c.Close()
}
