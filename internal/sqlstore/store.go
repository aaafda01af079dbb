package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pawpal/pawchat"
	"github.com/pawpal/pawchat/internal/logging"
)

// timeLayout is fixed-width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements pawchat.Store and pawchat.ProfileStore on a DB.
type Store struct {
	db     *DB
	now    func() time.Time
	newID  func() string
	logger zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for stored timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store. The schema must already exist; see DB.Migrate.
func New(db *DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: logging.Component("sqlstore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ── Profiles ─────────────────────────────────────────────

// UpsertProfile implements pawchat.ProfileStore.
func (s *Store) UpsertProfile(ctx context.Context, p pawchat.Profile) error {
	if strings.TrimSpace(p.ID) == "" {
		return pawchat.ErrInvalidRecipient
	}
	_, err := s.db.ExecContext(ctx, s.db.rebind(`
		INSERT INTO profiles (id, display_name, avatar_url) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET display_name = excluded.display_name, avatar_url = excluded.avatar_url
	`), p.ID, p.DisplayName, p.AvatarURL)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// GetProfile implements pawchat.ProfileStore.
func (s *Store) GetProfile(ctx context.Context, id string) (*pawchat.Profile, error) {
	p, err := s.profile(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) profile(ctx context.Context, q queryer, id string) (*pawchat.Profile, error) {
	var p pawchat.Profile
	err := q.QueryRowContext(ctx, s.db.rebind(`SELECT id, display_name, avatar_url FROM profiles WHERE id = ?`), id).
		Scan(&p.ID, &p.DisplayName, &p.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pawchat.ErrRecipientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &p, nil
}

// ── Conversations ────────────────────────────────────────

const conversationColumns = `c.id, c.participant_a, c.participant_b, c.pet_context_id, c.last_message, c.last_message_at, c.created_at, COALESCE(u.unread_count, 0)`

// ListConversations implements pawchat.Store.
func (s *Store) ListConversations(ctx context.Context, viewerID string) ([]*pawchat.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, s.db.rebind(`
		SELECT `+conversationColumns+`
		FROM conversations c
		LEFT JOIN conversation_unread u ON u.conversation_id = c.id AND u.viewer_id = ?
		WHERE c.participant_a = ? OR c.participant_b = ?
	`), viewerID, viewerID, viewerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []*pawchat.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	profiles := make(map[string]pawchat.Profile)
	for _, c := range convs {
		if err := s.fillParticipants(ctx, s.db, c, profiles); err != nil {
			return nil, err
		}
	}
	pawchat.SortConversations(convs)
	return convs, nil
}

// GetConversation implements pawchat.Store.
func (s *Store) GetConversation(ctx context.Context, viewerID, conversationID string) (*pawchat.Conversation, error) {
	return s.conversation(ctx, s.db, viewerID, conversationID)
}

func (s *Store) conversation(ctx context.Context, q queryer, viewerID, conversationID string) (*pawchat.Conversation, error) {
	row := q.QueryRowContext(ctx, s.db.rebind(`
		SELECT `+conversationColumns+`
		FROM conversations c
		LEFT JOIN conversation_unread u ON u.conversation_id = c.id AND u.viewer_id = ?
		WHERE c.id = ?
	`), viewerID, conversationID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", pawchat.ErrConversationNotFound, conversationID)
	}
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(viewerID) {
		return nil, pawchat.ErrNotParticipant
	}
	if err := s.fillParticipants(ctx, q, c, nil); err != nil {
		return nil, err
	}
	return c, nil
}

// StartConversation implements pawchat.Store. The find-or-create and the
// initial message share one transaction.
func (s *Store) StartConversation(ctx context.Context, viewerID string, req pawchat.StartRequest, clientID string) (*pawchat.StartResult, error) {
	content := strings.TrimSpace(req.InitialMessage)
	if content == "" {
		return nil, pawchat.ErrEmptyMessage
	}
	if req.RecipientID == "" || req.RecipientID == viewerID {
		return nil, pawchat.ErrInvalidRecipient
	}

	var result *pawchat.StartResult
	err := s.db.TransactionWithRetry(ctx, 0, 0, func(tx *sql.Tx) error {
		if _, err := s.profile(ctx, tx, req.RecipientID); err != nil {
			return err
		}

		pair := pawchat.NormalizePair(viewerID, req.RecipientID)
		res, err := tx.ExecContext(ctx, s.db.rebind(`
			INSERT INTO conversations (id, participant_a, participant_b, pair_key, pet_context_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (pair_key, pet_context_id) DO NOTHING
		`), s.newID(), pair[0], pair[1], pawchat.PairKey(pair[0], pair[1]), req.PetContextID, formatTime(s.now()))
		if err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return err
		}

		var conversationID string
		err = tx.QueryRowContext(ctx, s.db.rebind(`
			SELECT id FROM conversations WHERE pair_key = ? AND pet_context_id = ?
		`), pawchat.PairKey(pair[0], pair[1]), req.PetContextID).Scan(&conversationID)
		if err != nil {
			return fmt.Errorf("failed to find conversation: %w", err)
		}

		msg, err := s.appendMessage(ctx, tx, conversationID, viewerID, pair, content, clientID)
		if err != nil {
			return err
		}
		conv, err := s.conversation(ctx, tx, viewerID, conversationID)
		if err != nil {
			return err
		}
		result = &pawchat.StartResult{Conversation: conv, Message: msg, Created: inserted == 1}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MarkRead implements pawchat.Store.
func (s *Store) MarkRead(ctx context.Context, viewerID, conversationID string) error {
	if _, err := s.participants(ctx, s.db, viewerID, conversationID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.db.rebind(`
		UPDATE conversation_unread SET unread_count = 0 WHERE conversation_id = ? AND viewer_id = ?
	`), conversationID, viewerID)
	if err != nil {
		return fmt.Errorf("failed to mark read: %w", err)
	}
	return nil
}

// ── Messages ─────────────────────────────────────────────

// ListMessages implements pawchat.Store.
func (s *Store) ListMessages(ctx context.Context, viewerID, conversationID string) ([]*pawchat.Message, error) {
	if _, err := s.participants(ctx, s.db, viewerID, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.db.rebind(`
		SELECT id, conversation_id, sender_id, content, client_id, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
	`), conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]*pawchat.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

// SendMessage implements pawchat.Store.
func (s *Store) SendMessage(ctx context.Context, viewerID, conversationID, content, clientID string) (*pawchat.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, pawchat.ErrEmptyMessage
	}

	var msg *pawchat.Message
	err := s.db.TransactionWithRetry(ctx, 0, 0, func(tx *sql.Tx) error {
		pair, err := s.participants(ctx, tx, viewerID, conversationID)
		if err != nil {
			return err
		}
		msg, err = s.appendMessage(ctx, tx, conversationID, viewerID, pair, content, clientID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// appendMessage inserts a message, bumps the conversation preview and the
// counterpart's unread count. A known clientID returns the stored message
// and changes nothing.
func (s *Store) appendMessage(ctx context.Context, tx *sql.Tx, conversationID, senderID string, pair [2]string, content, clientID string) (*pawchat.Message, error) {
	now := s.now().UTC()
	msg := &pawchat.Message{
		ID:             s.newID(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		ClientID:       clientID,
		CreatedAt:      now,
		State:          pawchat.StateConfirmed,
	}

	res, err := tx.ExecContext(ctx, s.db.rebind(`
		INSERT INTO messages (id, conversation_id, sender_id, content, client_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`), msg.ID, conversationID, senderID, content, clientID, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if inserted == 0 {
		row := tx.QueryRowContext(ctx, s.db.rebind(`
			SELECT id, conversation_id, sender_id, content, client_id, created_at
			FROM messages WHERE conversation_id = ? AND client_id = ?
		`), conversationID, clientID)
		existing, err := scanMessage(row)
		if err != nil {
			return nil, fmt.Errorf("failed to load deduplicated message: %w", err)
		}
		s.logger.Debug().Str("conversation_id", conversationID).Str("client_id", clientID).Msg("duplicate send")
		return existing, nil
	}

	if _, err := tx.ExecContext(ctx, s.db.rebind(`
		UPDATE conversations SET last_message = ?, last_message_at = ? WHERE id = ?
	`), content, formatTime(now), conversationID); err != nil {
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}

	recipient := pair[0]
	if recipient == senderID {
		recipient = pair[1]
	}
	if _, err := tx.ExecContext(ctx, s.db.rebind(`
		INSERT INTO conversation_unread (conversation_id, viewer_id, unread_count) VALUES (?, ?, 1)
		ON CONFLICT (conversation_id, viewer_id) DO UPDATE SET unread_count = conversation_unread.unread_count + 1
	`), conversationID, recipient); err != nil {
		return nil, fmt.Errorf("failed to update unread count: %w", err)
	}
	return msg, nil
}

// participants returns the conversation's pair after checking membership.
func (s *Store) participants(ctx context.Context, q queryer, viewerID, conversationID string) ([2]string, error) {
	var pair [2]string
	err := q.QueryRowContext(ctx, s.db.rebind(`
		SELECT participant_a, participant_b FROM conversations WHERE id = ?
	`), conversationID).Scan(&pair[0], &pair[1])
	if errors.Is(err, sql.ErrNoRows) {
		return pair, fmt.Errorf("%w: %s", pawchat.ErrConversationNotFound, conversationID)
	}
	if err != nil {
		return pair, fmt.Errorf("failed to get conversation: %w", err)
	}
	if viewerID == "" || (pair[0] != viewerID && pair[1] != viewerID) {
		return pair, pawchat.ErrNotParticipant
	}
	return pair, nil
}

func (s *Store) fillParticipants(ctx context.Context, q queryer, c *pawchat.Conversation, seen map[string]pawchat.Profile) error {
	c.Participants = make([]pawchat.Profile, 0, 2)
	for _, id := range c.ParticipantIDs {
		if p, ok := seen[id]; ok {
			c.Participants = append(c.Participants, p)
			continue
		}
		p, err := s.profile(ctx, q, id)
		switch {
		case errors.Is(err, pawchat.ErrRecipientNotFound):
			p = &pawchat.Profile{ID: id}
		case err != nil:
			return err
		}
		if seen != nil {
			seen[id] = *p
		}
		c.Participants = append(c.Participants, *p)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row scanner) (*pawchat.Conversation, error) {
	var (
		c             pawchat.Conversation
		lastMessageAt sql.NullString
		createdAt     string
	)
	err := row.Scan(&c.ID, &c.ParticipantIDs[0], &c.ParticipantIDs[1], &c.PetContextID,
		&c.LastMessage, &lastMessageAt, &createdAt, &c.UnreadCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if lastMessageAt.Valid {
		t, err := parseTime(lastMessageAt.String)
		if err != nil {
			return nil, err
		}
		c.LastMessageAt = &t
	}
	return &c, nil
}

func scanMessage(row scanner) (*pawchat.Message, error) {
	var (
		m         pawchat.Message
		createdAt string
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.ClientID, &createdAt); err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	m.CreatedAt = t
	m.State = pawchat.StateConfirmed
	return &m, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}
