package server

import (
	"time"

	"gim/models"
)

// Store is the record store behind the server: accounts and chat history.
// db.DB and badgerstore.Store implement it.
type Store interface {
	CreateUser(username, password string) error
	UserExists(username string) (bool, error)
	AuthenticateUser(username, password string) (bool, error)
	DeleteUser(username string) error
	UpdateLastSeen(username string, t time.Time) error
	Users() ([]models.User, error)

	SaveMessage(m models.ChatMessage) error
	GetMessages(a, b string) ([]models.ChatMessage, error)
}
