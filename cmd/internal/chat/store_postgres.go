package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a ConversationStore backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//   - Close() is therefore a no-op.
//
// Concurrency model:
//   - Uses per-conversation transactional advisory locks so that created_at is
//     strictly monotonic per conversation and client-tag dedupe never races.
type PostgresStore struct {
	log    *slog.Logger
	pool   *pgxpool.Pool
	feed   Feed
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "prochat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed ConversationStore that
// publishes commit events on feed (nil disables fanout).
func NewPostgresStore(log *slog.Logger, pool *pgxpool.Pool, feed Feed, opts ...PostgresOption) (*PostgresStore, error) {
	if log == nil {
		log = slog.Default()
	}
	st := &PostgresStore{
		log:    log,
		pool:   pool,
		feed:   feed,
		schema: "prochat",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// FetchHistory returns messages ascending by (created_at, id).
func (s *PostgresStore) FetchHistory(ctx context.Context, conversationID string) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if conversationID == "" {
		return nil, fmt.Errorf("%w: missing conversation id", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, sender_id, content, client_tag, created_at
		   FROM `+messages+`
		  WHERE conversation_id = $1
		  ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch history: %v", ErrStorage, err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.ClientTag, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan message: %v", ErrStorage, err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: fetch history: %v", ErrStorage, err)
	}
	return msgs, nil
}

// Append commits a message with client-tag idempotency and monotonic
// created_at allocation, then publishes the insert event.
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	content := strings.TrimSpace(in.Content)
	if in.ConversationID == "" || in.SenderID == "" {
		return Message{}, fmt.Errorf("%w: missing conversation or sender id", ErrValidation)
	}
	if content == "" {
		return Message{}, fmt.Errorf("%w: empty content", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, fmt.Errorf("%w: begin: %v", ErrStorage, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	// Serialize writes per conversation so dedupe and the monotonic clock
	// guard cannot race.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return Message{}, fmt.Errorf("%w: advisory lock: %v", ErrStorage, err)
	}

	var (
		kind         string
		userA, userB *string
	)
	err = tx.QueryRow(ctx,
		`SELECT kind, user_a, user_b FROM `+conversations+` WHERE id = $1`,
		in.ConversationID,
	).Scan(&kind, &userA, &userB)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("%w: load conversation: %v", ErrStorage, err)
	}
	if Kind(kind) == KindDirect {
		if (userA == nil || *userA != in.SenderID) && (userB == nil || *userB != in.SenderID) {
			return Message{}, fmt.Errorf("%w: sender %s", ErrAuthorization, in.SenderID)
		}
	}

	if in.ClientTag != "" {
		var m Message
		err := tx.QueryRow(ctx,
			`SELECT id, conversation_id, sender_id, content, client_tag, created_at
			   FROM `+messages+`
			  WHERE conversation_id = $1 AND client_tag = $2`,
			in.ConversationID, in.ClientTag,
		).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.ClientTag, &m.CreatedAt)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return Message{}, fmt.Errorf("%w: commit: %v", ErrStorage, err)
			}
			return m, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Message{}, fmt.Errorf("%w: dedupe lookup: %v", ErrStorage, err)
		}
	}

	// Clock guard: never commit a created_at at or before the newest message.
	var lastTS *time.Time
	if err := tx.QueryRow(ctx,
		`SELECT max(created_at) FROM `+messages+` WHERE conversation_id = $1`,
		in.ConversationID,
	).Scan(&lastTS); err != nil {
		return Message{}, fmt.Errorf("%w: clock guard: %v", ErrStorage, err)
	}
	if lastTS != nil && !now.After(*lastTS) {
		now = lastTS.Add(time.Microsecond)
	}

	id, err := NewMessageID(now)
	if err != nil {
		return Message{}, fmt.Errorf("%w: id: %v", ErrStorage, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (id, conversation_id, sender_id, content, client_tag, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, in.ConversationID, in.SenderID, content, in.ClientTag, now,
	); err != nil {
		return Message{}, fmt.Errorf("%w: insert message: %v", ErrStorage, err)
	}

	msg := Message{
		ID:             id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        content,
		ClientTag:      in.ClientTag,
		CreatedAt:      now,
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}

	s.publish(ctx, EventMessageInserted, msg.ConversationID, &msg, "", now)
	return msg, nil
}

// CreateRoom creates a named room.
func (s *PostgresStore) CreateRoom(ctx context.Context, name, creatorID string) (Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" || creatorID == "" {
		return Conversation{}, fmt.Errorf("%w: missing room name or creator", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	now := time.Now().UTC()
	id, err := NewConversationID(now)
	if err != nil {
		return Conversation{}, fmt.Errorf("%w: id: %v", ErrStorage, err)
	}

	conversations := pgIdent(s.schema, "conversations")
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+conversations+` (id, kind, name, creator_id, created_at)
		 VALUES ($1, 'room', $2, $3, $4)`,
		id, name, creatorID, now,
	); err != nil {
		return Conversation{}, fmt.Errorf("%w: create room: %v", ErrStorage, err)
	}

	conv := Conversation{ID: id, Kind: KindRoom, Name: name, CreatorID: creatorID, CreatedAt: now}
	s.publish(ctx, EventConversationCreated, id, nil, "", now)
	return conv, nil
}

// CreateDirect returns the conversation for the unordered pair, creating it on
// first use. A unique index on the normalized pair makes this idempotent under
// concurrency.
func (s *PostgresStore) CreateDirect(ctx context.Context, userA, userB string) (Conversation, error) {
	userA, userB = normalizePair(userA, userB)
	if userA == "" || userB == "" || userA == userB {
		return Conversation{}, fmt.Errorf("%w: invalid direct pair", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	conversations := pgIdent(s.schema, "conversations")

	var existing Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, created_at FROM `+conversations+`
		  WHERE kind = 'direct' AND user_a = $1 AND user_b = $2`,
		userA, userB,
	).Scan(&existing.ID, &existing.CreatedAt)
	if err == nil {
		existing.Kind = KindDirect
		existing.UserA, existing.UserB = userA, userB
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, fmt.Errorf("%w: direct lookup: %v", ErrStorage, err)
	}

	now := time.Now().UTC()
	id, err := NewConversationID(now)
	if err != nil {
		return Conversation{}, fmt.Errorf("%w: id: %v", ErrStorage, err)
	}

	// ON CONFLICT DO NOTHING + re-read keeps concurrent first-use races
	// converging on one row.
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+conversations+` (id, kind, user_a, user_b, created_at)
		 VALUES ($1, 'direct', $2, $3, $4)
		 ON CONFLICT (user_a, user_b) WHERE kind = 'direct' DO NOTHING`,
		id, userA, userB, now,
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("%w: create direct: %v", ErrStorage, err)
	}
	if tag.RowsAffected() == 0 {
		return s.CreateDirect(ctx, userA, userB)
	}

	conv := Conversation{ID: id, Kind: KindDirect, UserA: userA, UserB: userB, CreatedAt: now}
	s.publish(ctx, EventConversationCreated, id, nil, "", now)
	return conv, nil
}

// RenameRoom updates a room's display name.
func (s *PostgresStore) RenameRoom(ctx context.Context, conversationID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty room name", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	conversations := pgIdent(s.schema, "conversations")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+conversations+` SET name = $2 WHERE id = $1 AND kind = 'room'`,
		conversationID, name,
	)
	if err != nil {
		return fmt.Errorf("%w: rename room: %v", ErrStorage, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes the conversation; messages and read-state rows
// cascade via foreign keys.
func (s *PostgresStore) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	conversations := pgIdent(s.schema, "conversations")
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+conversations+` WHERE id = $1`,
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("%w: delete conversation: %v", ErrStorage, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	s.publish(ctx, EventConversationDeleted, conversationID, nil, "", time.Now().UTC())
	return nil
}

// Conversation returns conversation metadata.
func (s *PostgresStore) Conversation(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	conversations := pgIdent(s.schema, "conversations")

	var (
		c                          Conversation
		name, creator, userA, userB *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, kind, name, creator_id, user_a, user_b, created_at
		   FROM `+conversations+` WHERE id = $1`,
		conversationID,
	).Scan(&c.ID, &c.Kind, &name, &creator, &userA, &userB, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("%w: load conversation: %v", ErrStorage, err)
	}
	c.Name = deref(name)
	c.CreatorID = deref(creator)
	c.UserA = deref(userA)
	c.UserB = deref(userB)
	return c, nil
}

// Conversations returns the viewer's roster with each conversation's most
// recent message, newest activity first.
func (s *PostgresStore) Conversations(ctx context.Context, viewerID string) ([]Listing, error) {
	if viewerID == "" {
		return nil, fmt.Errorf("%w: missing viewer id", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.kind, c.name, c.creator_id, c.user_a, c.user_b, c.created_at,
		        m.id, m.sender_id, m.content, m.client_tag, m.created_at
		   FROM `+conversations+` c
		   LEFT JOIN LATERAL (
		        SELECT id, sender_id, content, client_tag, created_at
		          FROM `+messages+`
		         WHERE conversation_id = c.id
		         ORDER BY created_at DESC, id DESC
		         LIMIT 1
		   ) m ON true
		  WHERE c.kind = 'room' OR c.user_a = $1 OR c.user_b = $1
		  ORDER BY COALESCE(m.created_at, c.created_at) DESC`,
		viewerID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: roster query: %v", ErrStorage, err)
	}
	defer rows.Close()

	var out []Listing
	for rows.Next() {
		var (
			l                           Listing
			name, creator, userA, userB *string
			msgID, sender, content, tag *string
			msgAt                       *time.Time
		)
		if err := rows.Scan(
			&l.Conversation.ID, &l.Conversation.Kind, &name, &creator, &userA, &userB, &l.Conversation.CreatedAt,
			&msgID, &sender, &content, &tag, &msgAt,
		); err != nil {
			return nil, fmt.Errorf("%w: scan roster row: %v", ErrStorage, err)
		}
		l.Conversation.Name = deref(name)
		l.Conversation.CreatorID = deref(creator)
		l.Conversation.UserA = deref(userA)
		l.Conversation.UserB = deref(userB)
		if msgID != nil {
			l.LastMessage = &Message{
				ID:             *msgID,
				ConversationID: l.Conversation.ID,
				SenderID:       deref(sender),
				Content:        deref(content),
				ClientTag:      deref(tag),
				CreatedAt:      *msgAt,
			}
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: roster query: %v", ErrStorage, err)
	}
	return out, nil
}

// ReadState returns the last-read mark for the pair.
func (s *PostgresStore) ReadState(ctx context.Context, userID, conversationID string) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}

	readStatus := pgIdent(s.schema, "read_status")

	var at time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT last_read_at FROM `+readStatus+` WHERE user_id = $1 AND conversation_id = $2`,
		userID, conversationID,
	).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: read state: %v", ErrStorage, err)
	}
	return at, true, nil
}

// MarkRead upserts the mark with a monotonic-max policy: GREATEST keeps a
// stale writer from regressing a newer mark.
func (s *PostgresStore) MarkRead(ctx context.Context, userID, conversationID string, at time.Time) error {
	if userID == "" || conversationID == "" {
		return fmt.Errorf("%w: missing user or conversation id", ErrValidation)
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	readStatus := pgIdent(s.schema, "read_status")

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+readStatus+` (user_id, conversation_id, last_read_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, conversation_id)
		 DO UPDATE SET last_read_at = GREATEST(`+readStatus+`.last_read_at, EXCLUDED.last_read_at)
		 WHERE `+readStatus+`.last_read_at < EXCLUDED.last_read_at`,
		userID, conversationID, at,
	)
	if err != nil {
		return fmt.Errorf("%w: mark read: %v", ErrStorage, err)
	}

	if tag.RowsAffected() > 0 {
		s.publish(ctx, EventReadStateChanged, conversationID, nil, userID, at)
	}
	return nil
}

// UnreadCount counts messages after the viewer's mark, excluding the viewer's
// own. With no mark, every foreign message counts.
func (s *PostgresStore) UnreadCount(ctx context.Context, userID, conversationID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	messages := pgIdent(s.schema, "messages")
	readStatus := pgIdent(s.schema, "read_status")

	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*)
		   FROM `+messages+` m
		   LEFT JOIN `+readStatus+` r
		     ON r.conversation_id = m.conversation_id AND r.user_id = $1
		  WHERE m.conversation_id = $2
		    AND m.sender_id <> $1
		    AND (r.last_read_at IS NULL OR m.created_at > r.last_read_at)`,
		userID, conversationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: unread count: %v", ErrStorage, err)
	}
	return n, nil
}

func (s *PostgresStore) publish(ctx context.Context, kind EventKind, conversationID string, msg *Message, userID string, at time.Time) {
	if s.feed == nil {
		return
	}

	ev := Event{Kind: kind, ConversationID: conversationID, Message: msg, UserID: userID, At: at}

	if kind == EventMessageInserted {
		if err := s.feed.Publish(ctx, ConversationTopic(conversationID), ev); err != nil {
			s.log.Warn("feed.publish.fail", "topic", ConversationTopic(conversationID), "err", err)
		}
	}
	if err := s.feed.Publish(ctx, TopicRoster, ev); err != nil {
		s.log.Warn("feed.publish.fail", "topic", TopicRoster, "err", err)
	}
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
