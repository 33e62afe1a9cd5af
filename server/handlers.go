package server

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"gim/db"
	"gim/protocol"
)

const (
	msgInvalidCredentials = "The credentials you entered are invalid."
	msgAlreadyOnline      = "already logged in elsewhere"
	msgOnlineElsewhere    = "online elsewhere"
	msgUsernameTaken      = "username taken"
	msgNotAuthenticated   = "not authenticated"
	msgRecipientNotFound  = "recipient not found"
	msgDatabase           = "there was an error connecting to the database"
)

// handle produces the single reply to msg. It never panics.
func (sess *Session) handle(msg protocol.Message) (reply protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			sess.log.Error("panic while handling request", "tag", msg.Tag(), "panic", r, "stack", string(debug.Stack()))
			reply = protocol.Error{Text: "Internal error"}
		}
	}()

	state, identity := sess.current()
	sess.log.Debug("request", "tag", msg.Tag(), "state", state.String())

	switch m := msg.(type) {
	case protocol.Ping:
		return protocol.Ack{Text: "pong"}
	case protocol.AuthRequest:
		return sess.handleAuth(m, state)
	}

	if state != stateAuthenticated {
		return protocol.Error{Text: msgNotAuthenticated}
	}

	switch m := msg.(type) {
	case protocol.ChatSend:
		return sess.handleChatSend(m, identity)
	case protocol.ChatHistoryQuery:
		return sess.handleHistory(m)
	case protocol.ContactsQuery:
		return protocol.ContactSnapshot{Contacts: sess.server.registry.Snapshot(identity)}
	case protocol.Disconnect:
		return sess.handleDisconnect()
	}
	return protocol.Error{Text: fmt.Sprintf("unsupported request %q", msg.Tag())}
}

func (sess *Session) handleAuth(m protocol.AuthRequest, state sessionState) protocol.Message {
	if m.Username == "" || m.Password == "" {
		return protocol.Error{Text: msgInvalidCredentials}
	}

	switch m.Kind {
	case protocol.AuthLogin, protocol.AuthCreate:
		if state == stateAuthenticated {
			return protocol.Error{Text: "already authenticated on this connection"}
		}
		if m.Kind == protocol.AuthLogin {
			return sess.handleLogin(m)
		}
		return sess.handleCreate(m)
	case protocol.AuthDelete:
		return sess.handleDelete(m)
	}
	return protocol.Error{Text: fmt.Sprintf("unknown auth kind %q", m.Kind)}
}

func (sess *Session) handleLogin(m protocol.AuthRequest) protocol.Message {
	s := sess.server

	valid, err := s.store.AuthenticateUser(m.Username, m.Password)
	if err != nil {
		return sess.storeError("Unable to log you in", err)
	}
	if !valid {
		return protocol.Error{Text: msgInvalidCredentials}
	}

	if !s.registry.TryMarkOnline(m.Username, sess) {
		sess.log.Info("login refused, already online", "user", m.Username)
		return protocol.Error{Text: msgAlreadyOnline}
	}
	sess.bind(m.Username)
	sess.log.Info("user logged in")

	s.notifier.Notify(AllExcept(m.Username), protocol.PushNotice{Text: m.Username + " is now online"})
	return protocol.AuthResult{Username: m.Username}
}

func (sess *Session) handleCreate(m protocol.AuthRequest) protocol.Message {
	s := sess.server

	exists, err := s.store.UserExists(m.Username)
	if err != nil {
		return sess.storeError("Unable to create your account", err)
	}
	if exists {
		return protocol.Error{Text: msgUsernameTaken}
	}

	if err := s.store.CreateUser(m.Username, m.Password); err != nil {
		if errors.Is(err, db.ErrUserExists) {
			return protocol.Error{Text: msgUsernameTaken}
		}
		return sess.storeError("Unable to create your account", err)
	}

	if !s.registry.TryMarkOnline(m.Username, sess) {
		return protocol.Error{Text: msgAlreadyOnline}
	}
	sess.bind(m.Username)
	sess.log.Info("account created")

	s.notifier.Notify(AllExcept(m.Username), protocol.PushNotice{Text: m.Username + " is now online"})
	return protocol.AuthResult{Username: m.Username}
}

// handleDelete is accepted in both states. An account that is online through
// another connection cannot be deleted, and it cannot log in while the deletion runs.
func (sess *Session) handleDelete(m protocol.AuthRequest) protocol.Message {
	s := sess.server

	if peer, ok := s.registry.Lookup(m.Username); ok && peer != Peer(sess) {
		return protocol.Error{Text: msgOnlineElsewhere}
	}

	valid, err := s.store.AuthenticateUser(m.Username, m.Password)
	if err != nil {
		return sess.storeError("Unable to delete your account", err)
	}
	if !valid {
		return protocol.Error{Text: msgInvalidCredentials}
	}

	undo, ok := s.registry.ReserveDelete(m.Username, sess)
	if !ok {
		return protocol.Error{Text: msgOnlineElsewhere}
	}
	if err := s.store.DeleteUser(m.Username); err != nil {
		undo()
		if errors.Is(err, db.ErrNoRows) {
			return protocol.Error{Text: msgInvalidCredentials}
		}
		return sess.storeError("Unable to delete your account", err)
	}
	s.registry.Remove(m.Username)

	if _, identity := sess.current(); identity == m.Username {
		sess.unbind(stateUnauthenticated)
	}
	sess.log.Info("account deleted", "deleted", m.Username)

	s.notifier.Notify(AllExcept(m.Username), protocol.PushNotice{Text: m.Username + " has deleted their account"})
	return protocol.Ack{Text: "Successfully deleted the user."}
}

func (sess *Session) handleChatSend(m protocol.ChatSend, identity string) protocol.Message {
	s := sess.server

	if m.Sender != identity {
		return protocol.Error{Text: "sender does not match the logged in user"}
	}
	if m.Recipient == "" {
		return protocol.Error{Text: msgRecipientNotFound}
	}

	exists, err := s.store.UserExists(m.Recipient)
	if err != nil {
		return sess.storeError("Unable to send your message", err)
	}
	if !exists {
		return protocol.Error{Text: msgRecipientNotFound}
	}

	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	if err := s.store.SaveMessage(m.ChatMessage); err != nil {
		return sess.storeError("Unable to send your message", err)
	}

	s.notifier.Notify(To(m.Recipient), m)
	return protocol.Ack{Text: "Message was successfully sent."}
}

func (sess *Session) handleHistory(m protocol.ChatHistoryQuery) protocol.Message {
	messages, err := sess.server.store.GetMessages(m.ParticipantA, m.ParticipantB)
	if err != nil {
		return sess.storeError("Unable to retrieve your chats", err)
	}
	return protocol.ChatLog{Messages: messages}
}

func (sess *Session) handleDisconnect() protocol.Message {
	identity := sess.unbind(stateClosed)
	if identity != "" {
		sess.server.goOffline(identity, time.Now(), sess.log)
	}
	sess.log.Info("user logged out")
	return protocol.Ack{Text: "Successfully logged you out of the network"}
}

func (sess *Session) storeError(action string, err error) protocol.Message {
	sess.log.Error("store error", "action", action, "error", err)
	return protocol.Error{Text: action + ": " + msgDatabase}
}
