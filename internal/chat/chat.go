// Package chat persists room-scoped chat history: one public JSONL per
// room plus per-session DM files, sharing the append and tail idioms of
// the other stores.
package chat

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/onlytrade/onlytrade/internal/store"
)

// idPattern keeps room and session ids path-safe.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Message is one chat line.
type Message struct {
	ID        string `json:"id"`
	RoomID    string `json:"room_id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	DM        bool   `json:"dm,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Store appends and tails chat history under data/chat/rooms.
type Store struct {
	dir string
	now func() time.Time
	log zerolog.Logger
}

// NewStore creates a chat store rooted at dataDir.
func NewStore(dataDir string, log zerolog.Logger) *Store {
	return &Store{
		dir: filepath.Join(dataDir, "chat", "rooms"),
		now: time.Now,
		log: log.With().Str("component", "chat").Logger(),
	}
}

// SetNowFunc overrides the clock, for tests.
func (s *Store) SetNowFunc(now func() time.Time) { s.now = now }

func (s *Store) publicPath(roomID string) string {
	return filepath.Join(s.dir, roomID, "public.jsonl")
}

func (s *Store) dmPath(roomID, sessionID string) string {
	return filepath.Join(s.dir, roomID, "dm", sessionID+".jsonl")
}

func validateID(kind, id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid %s id %q", kind, id)
	}
	return nil
}

// AppendPublic appends a message to the room's public history and
// returns the stored message.
func (s *Store) AppendPublic(roomID, sender, content string) (*Message, error) {
	if err := validateID("room", roomID); err != nil {
		return nil, err
	}
	msg := &Message{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		Sender:    sender,
		Content:   content,
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
	}
	if err := store.AppendJSONL(s.publicPath(roomID), msg); err != nil {
		return nil, fmt.Errorf("failed to append chat message: %w", err)
	}
	return msg, nil
}

// AppendDM appends a direct message scoped to a user session.
func (s *Store) AppendDM(roomID, sessionID, sender, content string) (*Message, error) {
	if err := validateID("room", roomID); err != nil {
		return nil, err
	}
	if err := validateID("session", sessionID); err != nil {
		return nil, err
	}
	msg := &Message{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		Sender:    sender,
		Content:   content,
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
		DM:        true,
		SessionID: sessionID,
	}
	if err := store.AppendJSONL(s.dmPath(roomID, sessionID), msg); err != nil {
		return nil, fmt.Errorf("failed to append dm message: %w", err)
	}
	return msg, nil
}

// LatestPublic returns the latest n public messages of a room, newest
// last.
func (s *Store) LatestPublic(roomID string, n int) ([]*Message, error) {
	if err := validateID("room", roomID); err != nil {
		return nil, err
	}
	return s.tail(s.publicPath(roomID), n)
}

// LatestDM returns the latest n direct messages of a session.
func (s *Store) LatestDM(roomID, sessionID string, n int) ([]*Message, error) {
	if err := validateID("room", roomID); err != nil {
		return nil, err
	}
	if err := validateID("session", sessionID); err != nil {
		return nil, err
	}
	return s.tail(s.dmPath(roomID, sessionID), n)
}

func (s *Store) tail(path string, n int) ([]*Message, error) {
	lines, err := store.TailJSONL(path, n)
	if err != nil {
		return nil, fmt.Errorf("failed to tail chat history: %w", err)
	}
	out := make([]*Message, 0, len(lines))
	for _, line := range lines {
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		out = append(out, &msg)
	}
	return out, nil
}
