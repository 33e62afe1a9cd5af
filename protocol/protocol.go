package protocol

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"gim/models"
)

var (
	ErrInvalidMessage = errors.New("invalid message format")
)

// Message tags
const (
	TagAuth     = "auth"
	TagMsg      = "msg"
	TagHist     = "hist"
	TagContacts = "contacts"
	TagBye      = "bye"
	TagPing     = "ping"
	TagUser     = "user"
	TagOk       = "ok"
	TagFail     = "fail"
	TagLog      = "log"
	TagNotice   = "notice"
)

// Message is one of the request, reply or notification variants below.
type Message interface {
	Tag() string
}

type AuthKind string

const (
	AuthLogin  AuthKind = "login"
	AuthCreate AuthKind = "create"
	AuthDelete AuthKind = "delete"
)

// Requests

type AuthRequest struct {
	Username string
	Password string
	Kind     AuthKind
}

// ChatSend travels client->server as a request and server->client as a notification.
type ChatSend struct {
	models.ChatMessage
}

type ChatHistoryQuery struct {
	ParticipantA string
	ParticipantB string
}

type ContactsQuery struct{}

type Disconnect struct {
	Timestamp time.Time
}

type Ping struct{}

// Replies

type AuthResult struct {
	Username string
}

type Ack struct {
	Text string
}

type Error struct {
	Text string
}

// ContactSnapshot maps a username to its display status.
type ContactSnapshot struct {
	Contacts map[string]string
}

type ChatLog struct {
	Messages []models.ChatMessage
}

// Notifications

type PushNotice struct {
	Text string
}

func (AuthRequest) Tag() string      { return TagAuth }
func (ChatSend) Tag() string         { return TagMsg }
func (ChatHistoryQuery) Tag() string { return TagHist }
func (ContactsQuery) Tag() string    { return TagContacts }
func (Disconnect) Tag() string       { return TagBye }
func (Ping) Tag() string             { return TagPing }
func (AuthResult) Tag() string       { return TagUser }
func (Ack) Tag() string              { return TagOk }
func (Error) Tag() string            { return TagFail }
func (ContactSnapshot) Tag() string  { return TagContacts }
func (ChatLog) Tag() string          { return TagLog }
func (PushNotice) Tag() string       { return TagNotice }

func (e Error) Error() string { return e.Text }

// IsNotification reports whether m is pushed by the server independently of any request.
// Everything else a client receives is the reply to its single outstanding request.
func IsNotification(m Message) bool {
	switch m.(type) {
	case PushNotice, ChatSend:
		return true
	}
	return false
}

// Encode renders m as a single line: tag|field|field...\n
func Encode(m Message) string {
	var fields []string
	switch v := m.(type) {
	case AuthRequest:
		fields = []string{string(v.Kind), v.Username, v.Password}
	case ChatSend:
		fields = chatFields(v.ChatMessage)
	case ChatHistoryQuery:
		fields = []string{v.ParticipantA, v.ParticipantB}
	case ContactsQuery, Ping:
	case Disconnect:
		fields = []string{formatTime(v.Timestamp)}
	case AuthResult:
		fields = []string{v.Username}
	case Ack:
		fields = []string{v.Text}
	case Error:
		fields = []string{v.Text}
	case PushNotice:
		fields = []string{v.Text}
	case ContactSnapshot:
		names := make([]string, 0, len(v.Contacts))
		for name := range v.Contacts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fields = append(fields, name, v.Contacts[name])
		}
	case ChatLog:
		for _, msg := range v.Messages {
			fields = append(fields, chatFields(msg)...)
		}
	}
	return FormatPacket(m.Tag(), fields...)
}

// DecodeRequest parses a line sent by a client.
func DecodeRequest(line string) (Message, error) {
	tag, fields, err := parse(line)
	if err != nil {
		return nil, err
	}

	switch tag {
	case TagAuth:
		if len(fields) != 3 {
			return nil, ErrInvalidMessage
		}
		kind := AuthKind(fields[0])
		if kind != AuthLogin && kind != AuthCreate && kind != AuthDelete {
			return nil, fmt.Errorf("%w: unknown auth kind %q", ErrInvalidMessage, fields[0])
		}
		return AuthRequest{Kind: kind, Username: fields[1], Password: fields[2]}, nil
	case TagMsg:
		msg, err := parseChat(fields)
		if err != nil {
			return nil, err
		}
		return ChatSend{msg}, nil
	case TagHist:
		if len(fields) != 2 {
			return nil, ErrInvalidMessage
		}
		return ChatHistoryQuery{ParticipantA: fields[0], ParticipantB: fields[1]}, nil
	case TagContacts:
		return ContactsQuery{}, nil
	case TagBye:
		if len(fields) == 0 {
			return Disconnect{}, nil
		}
		ts, err := parseTime(fields[0])
		if err != nil {
			return nil, err
		}
		return Disconnect{Timestamp: ts}, nil
	case TagPing:
		return Ping{}, nil
	}
	return nil, fmt.Errorf("%w: unknown request %q", ErrInvalidMessage, tag)
}

// DecodeResponse parses a line sent by the server, reply or notification.
func DecodeResponse(line string) (Message, error) {
	tag, fields, err := parse(line)
	if err != nil {
		return nil, err
	}

	switch tag {
	case TagUser:
		if len(fields) != 1 {
			return nil, ErrInvalidMessage
		}
		return AuthResult{Username: fields[0]}, nil
	case TagOk:
		return Ack{Text: firstField(fields)}, nil
	case TagFail:
		return Error{Text: firstField(fields)}, nil
	case TagNotice:
		return PushNotice{Text: firstField(fields)}, nil
	case TagMsg:
		msg, err := parseChat(fields)
		if err != nil {
			return nil, err
		}
		return ChatSend{msg}, nil
	case TagContacts:
		if len(fields)%2 != 0 {
			return nil, ErrInvalidMessage
		}
		contacts := make(map[string]string, len(fields)/2)
		for i := 0; i < len(fields); i += 2 {
			contacts[fields[i]] = fields[i+1]
		}
		return ContactSnapshot{Contacts: contacts}, nil
	case TagLog:
		if len(fields)%4 != 0 {
			return nil, ErrInvalidMessage
		}
		messages := make([]models.ChatMessage, 0, len(fields)/4)
		for i := 0; i < len(fields); i += 4 {
			msg, err := parseChat(fields[i : i+4])
			if err != nil {
				return nil, err
			}
			messages = append(messages, msg)
		}
		return ChatLog{Messages: messages}, nil
	}
	return nil, fmt.Errorf("%w: unknown response %q", ErrInvalidMessage, tag)
}

func parse(line string) (string, []string, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	if line == "" {
		return "", nil, ErrInvalidMessage
	}

	parts := splitUnescaped(line, '|')
	tag := unescape(parts[0])
	fields := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		fields = append(fields, unescape(p))
	}
	return tag, fields, nil
}

func firstField(fields []string) string {
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func chatFields(m models.ChatMessage) []string {
	return []string{m.Sender, m.Recipient, m.Body, formatTime(m.Timestamp)}
}

func parseChat(fields []string) (models.ChatMessage, error) {
	if len(fields) != 4 {
		return models.ChatMessage{}, ErrInvalidMessage
	}
	ts, err := parseTime(fields[3])
	if err != nil {
		return models.ChatMessage{}, err
	}
	return models.ChatMessage{
		Sender:    fields[0],
		Recipient: fields[1],
		Body:      fields[2],
		Timestamp: ts,
	}, nil
}

// Timestamps travel as unix nanoseconds so that hashes survive the round trip.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseTime(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrInvalidMessage, s)
	}
	if n == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, n).UTC(), nil
}

// FormatPacket escapes every field separately and joins them with |.
func FormatPacket(tag string, fields ...string) string {
	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, Escape(tag))
	for _, f := range fields {
		parts = append(parts, Escape(f))
	}
	return strings.Join(parts, "|") + "\n"
}

// splitUnescaped splits on delimiter, skipping escaped runes. Escapes are kept in the parts.
func splitUnescaped(s string, delimiter rune) []string {
	var parts []string
	var current strings.Builder
	escape := false

	for _, r := range s {
		if escape {
			current.WriteRune(r)
			escape = false
			continue
		}

		if r == '\\' {
			escape = true
			current.WriteRune(r)
			continue
		}

		if r == delimiter {
			parts = append(parts, current.String())
			current.Reset()
			continue
		}

		current.WriteRune(r)
	}

	parts = append(parts, current.String())
	return parts
}

func unescape(s string) string {
	var result strings.Builder
	escape := false

	for i, r := range s {
		if escape {
			switch r {
			case '|':
				result.WriteRune('|')
			case ',':
				result.WriteRune(',')
			case '\\':
				result.WriteRune('\\')
			case 'n':
				result.WriteRune('\n')
			case 'r':
				result.WriteRune('\r')
			default:
				// unknown escape, keep as is
				result.WriteRune('\\')
				result.WriteRune(r)
			}
			escape = false
			continue
		}

		if r == '\\' {
			if i < len(s)-1 {
				escape = true
				continue
			}
		}

		result.WriteRune(r)
	}

	if escape {
		result.WriteRune('\\')
	}

	return result.String()
}

// Escape escapes the delimiter and line breaks.
func Escape(s string) string {
	var result strings.Builder

	for _, r := range s {
		switch r {
		case '|':
			result.WriteString("\\|")
		case ',':
			result.WriteString("\\,")
		case '\\':
			result.WriteString("\\\\")
		case '\n':
			result.WriteString("\\n")
		case '\r':
			result.WriteString("\\r")
		default:
			result.WriteRune(r)
		}
	}

	return result.String()
}
