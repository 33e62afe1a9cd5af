package db

import (
	"database/sql"
	"errors"
	"time"

	"gim/models"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNoRows      = errors.New("no rows found")
	ErrUserExists  = errors.New("user already exists")
	ErrUnavailable = errors.New("store unavailable")
)

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			password TEXT NOT NULL,
			last_seen INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			hash TEXT PRIMARY KEY,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			body TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender, recipient, timestamp)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// Ping checks that the database file is reachable.
func (db *DB) Ping() error {
	if err := db.conn.Ping(); err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	return nil
}

// User methods
func (db *DB) CreateUser(username, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	_, err = db.conn.Exec(
		"INSERT INTO users (username, password, last_seen) VALUES (?, ?, ?)",
		username, string(hashed), time.Now().UTC().UnixNano(),
	)
	if isConstraint(err) {
		return ErrUserExists
	}
	return err
}

func (db *DB) UserExists(username string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE username = ?", username).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *DB) AuthenticateUser(username, password string) (bool, error) {
	var hashedPassword string
	err := db.conn.QueryRow("SELECT password FROM users WHERE username = ?", username).Scan(&hashedPassword)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	err = bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
	return err == nil, nil
}

func (db *DB) DeleteUser(username string) error {
	result, err := db.conn.Exec("DELETE FROM users WHERE username = ?", username)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNoRows
	}

	return nil
}

// UpdateLastSeen records when the user went offline.
func (db *DB) UpdateLastSeen(username string, t time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE users SET last_seen = ? WHERE username = ?",
		t.UTC().UnixNano(), username,
	)
	return err
}

// Users lists every account; passwords stay hashed.
func (db *DB) Users() ([]models.User, error) {
	rows, err := db.conn.Query("SELECT username, password, last_seen FROM users ORDER BY username")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		var lastSeen int64
		if err := rows.Scan(&u.Username, &u.Password, &lastSeen); err != nil {
			return nil, err
		}
		u.LastSeen = time.Unix(0, lastSeen).UTC()
		users = append(users, u)
	}

	return users, rows.Err()
}

// Message methods

// SaveMessage stores m under its content hash. Saving the same message twice is a no-op.
func (db *DB) SaveMessage(m models.ChatMessage) error {
	_, err := db.conn.Exec(
		"INSERT OR IGNORE INTO messages (hash, sender, recipient, body, timestamp) VALUES (?, ?, ?, ?, ?)",
		m.Hash(), m.Sender, m.Recipient, m.Body, m.Timestamp.UTC().UnixNano(),
	)
	return err
}

// GetMessages returns the conversation between a and b, oldest first.
func (db *DB) GetMessages(a, b string) ([]models.ChatMessage, error) {
	query := `
		SELECT sender, recipient, body, timestamp
		FROM messages
		WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
		ORDER BY timestamp ASC
	`

	rows, err := db.conn.Query(query, a, b, b, a)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.ChatMessage{}
	for rows.Next() {
		var m models.ChatMessage
		var timestamp int64
		if err := rows.Scan(&m.Sender, &m.Recipient, &m.Body, &timestamp); err != nil {
			return nil, err
		}
		m.Timestamp = time.Unix(0, timestamp).UTC()
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
