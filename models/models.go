package models

import (
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

type User struct {
	Username string
	Password string // hashed
	LastSeen time.Time
}

// ChatMessage is a single chat line between two users. It is content-addressed:
// two messages with equal fields share the same Hash.
type ChatMessage struct {
	Sender    string
	Recipient string
	Body      string
	Timestamp time.Time
}

// Hash returns the storage key of the message.
func (m ChatMessage) Hash() string {
	d := xxhash.New()
	d.WriteString(m.Sender)
	d.WriteString("\x00")
	d.WriteString(m.Recipient)
	d.WriteString("\x00")
	d.WriteString(m.Body)
	d.WriteString("\x00")
	d.WriteString(strconv.FormatInt(m.Timestamp.UnixNano(), 10))
	return strconv.FormatUint(d.Sum64(), 16)
}

// Between reports whether the message was exchanged by a and b, in either direction.
func (m ChatMessage) Between(a, b string) bool {
	return (m.Sender == a && m.Recipient == b) || (m.Sender == b && m.Recipient == a)
}

func (m ChatMessage) String() string {
	return "[" + m.Timestamp.Local().Format("2006-01-02 15:04") + "] " + m.Sender + "> " + m.Body
}
