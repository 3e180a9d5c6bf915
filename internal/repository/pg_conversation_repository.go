package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shinyyama/farm-market-backend/internal/model"
	"github.com/sirupsen/logrus"
)

// pgSchema mirrors the gorm models so either adapter can serve the same data.
const pgSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id               BIGSERIAL PRIMARY KEY,
	buyer_uid        VARCHAR(128) NOT NULL,
	farmer_uid       VARCHAR(128) NOT NULL,
	pair_key         VARCHAR(260) NOT NULL,
	last_activity_at TIMESTAMPTZ NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	CONSTRAINT uniq_conv_pair UNIQUE (pair_key)
);
CREATE INDEX IF NOT EXISTS idx_conversations_buyer_uid ON conversations (buyer_uid);
CREATE INDEX IF NOT EXISTS idx_conversations_farmer_uid ON conversations (farmer_uid);
CREATE INDEX IF NOT EXISTS idx_conversations_last_activity_at ON conversations (last_activity_at);
CREATE TABLE IF NOT EXISTS messages (
	id              BIGSERIAL PRIMARY KEY,
	conversation_id BIGINT NOT NULL REFERENCES conversations (id),
	sender_uid      VARCHAR(128) NOT NULL,
	recipient_uid   VARCHAR(128) NOT NULL,
	content         TEXT NOT NULL,
	kind            VARCHAR(16) NOT NULL DEFAULT 'text',
	is_read         BOOLEAN NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_msg_conv_id ON messages (conversation_id);
CREATE INDEX IF NOT EXISTS idx_msg_recipient_read ON messages (recipient_uid, is_read);
CREATE TABLE IF NOT EXISTS notifications (
	id              BIGSERIAL PRIMARY KEY,
	user_uid        VARCHAR(128) NOT NULL,
	type            VARCHAR(32) NOT NULL,
	title           VARCHAR(255) NOT NULL,
	body            TEXT NOT NULL,
	conversation_id BIGINT NULL,
	message_id      BIGINT NULL,
	read_at         TIMESTAMPTZ NULL,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_user_uid ON notifications (user_uid);
`

type pgConversationRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
	now  func() time.Time
}

func NewPgConversationRepository(pool *pgxpool.Pool, log *logrus.Logger) ChatRepository {
	if log == nil {
		log = logrus.New()
	}
	return &pgConversationRepository{pool: pool, log: log, now: time.Now}
}

// EnsurePgSchema creates the chat tables when they are missing.
func EnsurePgSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return ErrDBNotReady
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

const conversationColumns = `id, buyer_uid, farmer_uid, pair_key, last_activity_at, created_at`

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	var cv model.Conversation
	if err := row.Scan(&cv.ID, &cv.BuyerUID, &cv.FarmerUID, &cv.PairKey, &cv.LastActivityAt, &cv.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &cv, nil
}

func (r *pgConversationRepository) CreateConversation(ctx context.Context, buyerUID, farmerUID string) (*model.Conversation, error) {
	if r.pool == nil {
		return nil, ErrDBNotReady
	}
	now := r.now().UTC().Truncate(time.Microsecond)
	key := model.PairKey(buyerUID, farmerUID)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO conversations (buyer_uid, farmer_uid, pair_key, last_activity_at, created_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (pair_key) DO NOTHING`, buyerUID, farmerUID, key, now)
	if err != nil {
		return nil, err
	}
	return scanConversation(r.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE pair_key = $1`, key))
}

func (r *pgConversationRepository) FindConversation(ctx context.Context, buyerUID, farmerUID string) (*model.Conversation, error) {
	if r.pool == nil {
		return nil, ErrDBNotReady
	}
	return scanConversation(r.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE pair_key = $1`, model.PairKey(buyerUID, farmerUID)))
}

func (r *pgConversationRepository) FindConversationByID(ctx context.Context, id uint64) (*model.Conversation, error) {
	if r.pool == nil {
		return nil, ErrDBNotReady
	}
	return scanConversation(r.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, int64(id)))
}

func (r *pgConversationRepository) AppendMessage(ctx context.Context, msg *model.Message) error {
	if r.pool == nil {
		return ErrDBNotReady
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var last time.Time
		if err := tx.QueryRow(ctx,
			`SELECT last_activity_at FROM conversations WHERE id = $1 FOR UPDATE`, int64(msg.ConversationID)).
			Scan(&last); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		createdAt := r.now().UTC().Truncate(time.Microsecond)
		if createdAt.Before(last) {
			createdAt = last
		}
		if msg.Kind == "" {
			msg.Kind = model.MessageKindText
		}
		var id int64
		if err := tx.QueryRow(ctx, `
			INSERT INTO messages (conversation_id, sender_uid, recipient_uid, content, kind, is_read, created_at)
			VALUES ($1, $2, $3, $4, $5, FALSE, $6)
			RETURNING id`,
			int64(msg.ConversationID), msg.SenderUID, msg.RecipientUID, msg.Content, string(msg.Kind), createdAt).
			Scan(&id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE conversations SET last_activity_at = $1 WHERE id = $2`, createdAt, int64(msg.ConversationID)); err != nil {
			return err
		}
		msg.ID = uint64(id)
		msg.CreatedAt = createdAt
		msg.IsRead = false
		return nil
	})
}

func (r *pgConversationRepository) ListMessages(ctx context.Context, convID uint64) ([]model.Message, error) {
	if r.pool == nil {
		return nil, ErrDBNotReady
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, conversation_id, sender_uid, recipient_uid, content, kind, is_read, created_at
		FROM messages WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC`, int64(convID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := make([]model.Message, 0)
	for rows.Next() {
		var (
			m    model.Message
			kind string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderUID, &m.RecipientUID, &m.Content, &kind, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Kind = model.MessageKind(kind)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (r *pgConversationRepository) ListConversationsWithSummary(ctx context.Context, uid string) ([]model.ConversationSummary, error) {
	if r.pool == nil {
		return nil, ErrDBNotReady
	}
	rows, err := r.pool.Query(ctx, `
		SELECT c.id, c.buyer_uid, c.farmer_uid, c.pair_key, c.last_activity_at, c.created_at,
		       lm.content, lm.kind, lm.created_at,
		       (SELECT COUNT(*) FROM messages u
		         WHERE u.conversation_id = c.id AND u.recipient_uid = $1 AND u.is_read = FALSE)
		FROM conversations c
		LEFT JOIN LATERAL (
			SELECT m.content, m.kind, m.created_at FROM messages m
			WHERE m.conversation_id = c.id
			ORDER BY m.created_at DESC, m.id DESC LIMIT 1
		) lm ON TRUE
		WHERE c.buyer_uid = $1 OR c.farmer_uid = $1
		ORDER BY c.last_activity_at DESC, c.id DESC`, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.ConversationSummary, 0)
	others := make([]string, 0)
	for rows.Next() {
		var (
			s       model.ConversationSummary
			content *string
			kind    *string
			at      *time.Time
		)
		if err := rows.Scan(&s.ID, &s.BuyerUID, &s.FarmerUID, &s.PairKey, &s.LastActivityAt, &s.CreatedAt,
			&content, &kind, &at, &s.UnreadCount); err != nil {
			return nil, err
		}
		s.OtherUID = s.Conversation.OtherParticipant(uid)
		if content != nil {
			s.LastMessage = *content
		}
		if kind != nil {
			s.LastMessageKind = *kind
		}
		s.LastMessageAt = at
		out = append(out, s)
		others = append(others, s.OtherUID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	names := r.lookupProfiles(ctx, others)
	for i := range out {
		if p, ok := names[out[i].OtherUID]; ok {
			out[i].OtherName = p.DisplayName()
			out[i].OtherAvatarURL = p.AvatarURL
		} else {
			out[i].OtherName = defaultName(out[i].Conversation, out[i].OtherUID)
		}
	}
	return out, nil
}

// lookupProfiles reads the account service's users table; errors leave names at defaults.
func (r *pgConversationRepository) lookupProfiles(ctx context.Context, ids []string) map[string]model.UserProfile {
	out := make(map[string]model.UserProfile, len(ids))
	if len(ids) == 0 {
		return out
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, COALESCE(first_name, ''), COALESCE(last_name, ''), COALESCE(farm_name, ''), COALESCE(role, ''), avatar_url
		FROM users WHERE id = ANY($1)`, ids)
	if err != nil {
		r.log.Warnf("lookup profiles: %v", err)
		return out
	}
	defer rows.Close()
	for rows.Next() {
		var p model.UserProfile
		if err := rows.Scan(&p.ID, &p.FirstName, &p.LastName, &p.FarmName, &p.Role, &p.AvatarURL); err != nil {
			r.log.Warnf("scan profile: %v", err)
			return out
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		r.log.Warnf("lookup profiles: %v", err)
	}
	return out
}

func (r *pgConversationRepository) MarkRead(ctx context.Context, convID uint64, recipientUID string) (int64, error) {
	if r.pool == nil {
		return 0, ErrDBNotReady
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE messages SET is_read = TRUE
		WHERE conversation_id = $1 AND recipient_uid = $2 AND is_read = FALSE`, int64(convID), recipientUID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
