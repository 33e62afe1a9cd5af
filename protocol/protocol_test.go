package protocol

import (
	"testing"
	"time"

	"gim/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatSendSurvivesDelimitersInBody(t *testing.T) {
	ts := time.Date(2024, 1, 1, 12, 0, 0, 123, time.UTC)
	sent := ChatSend{models.ChatMessage{
		Sender:    "alice",
		Recipient: "bob",
		Body:      "pipes | commas, slashes \\ and\nnewlines",
		Timestamp: ts,
	}}

	line := Encode(sent)
	assert.Equal(t, 1, countNewlines(line), "a message must occupy exactly one line")

	got, err := DecodeRequest(line)
	require.NoError(t, err)
	require.IsType(t, ChatSend{}, got)
	assert.Equal(t, sent, got)
	assert.Equal(t, sent.Hash(), got.(ChatSend).Hash())
}

func TestChatLogEncoding(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(5 * time.Minute)
	log := ChatLog{Messages: []models.ChatMessage{
		{Sender: "a", Recipient: "b", Body: "Hello", Timestamp: t1},
		{Sender: "b", Recipient: "a", Body: "Hi|there", Timestamp: t2},
	}}

	got, err := DecodeResponse(Encode(log))
	require.NoError(t, err)
	assert.Equal(t, log, got)

	empty, err := DecodeResponse(Encode(ChatLog{}))
	require.NoError(t, err)
	require.IsType(t, ChatLog{}, empty)
	assert.Empty(t, empty.(ChatLog).Messages)
}

func TestContactSnapshotEncoding(t *testing.T) {
	snap := ContactSnapshot{Contacts: map[string]string{
		"bob":   "Online",
		"carol": "Last seen 01 January 24, 12:00",
	}}

	line := Encode(snap)
	assert.Equal(t, "contacts|bob|Online|carol|Last seen 01 January 24\\, 12:00\n", line)

	got, err := DecodeResponse(line)
	require.NoError(t, err)
	assert.Equal(t, snap, got)
}

func TestDecodeRequestRejectsMalformed(t *testing.T) {
	for _, line := range []string{
		"",
		"nope",
		"auth|login|alice",
		"auth|sudo|alice|secret",
		"msg|alice|bob|hi",
		"msg|alice|bob|hi|yesterday",
		"hist|alice",
	} {
		_, err := DecodeRequest(line)
		assert.ErrorIs(t, err, ErrInvalidMessage, "line %q", line)
	}
}

func TestDecodeRequestVariants(t *testing.T) {
	got, err := DecodeRequest("auth|create|alice|s\\|ecret\n")
	require.NoError(t, err)
	assert.Equal(t, AuthRequest{Username: "alice", Password: "s|ecret", Kind: AuthCreate}, got)

	got, err = DecodeRequest("contacts\n")
	require.NoError(t, err)
	assert.Equal(t, ContactsQuery{}, got)

	got, err = DecodeRequest("bye\n")
	require.NoError(t, err)
	assert.Equal(t, Disconnect{}, got)

	got, err = DecodeRequest("ping")
	require.NoError(t, err)
	assert.Equal(t, Ping{}, got)
}

func TestIsNotification(t *testing.T) {
	assert.True(t, IsNotification(PushNotice{Text: "bob is now online"}))
	assert.True(t, IsNotification(ChatSend{}))

	for _, m := range []Message{AuthResult{}, Ack{}, Error{}, ContactSnapshot{}, ChatLog{}} {
		assert.False(t, IsNotification(m), "%T", m)
	}
}

func countNewlines(s string) int {
	n := 0
	for _, r := range s {
		if r == '\n' {
			n++
		}
	}
	return n
}
