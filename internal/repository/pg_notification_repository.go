package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shinyyama/farm-market-backend/internal/model"
)

type pgNotificationRepository struct {
	pool *pgxpool.Pool
}

func NewPgNotificationRepository(pool *pgxpool.Pool) NotificationRepository {
	return &pgNotificationRepository{pool: pool}
}

func (r *pgNotificationRepository) Create(ctx context.Context, n *model.Notification) error {
	if r.pool == nil {
		return ErrDBNotReady
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	var convID, msgID *int64
	if n.ConversationID != nil {
		v := int64(*n.ConversationID)
		convID = &v
	}
	if n.MessageID != nil {
		v := int64(*n.MessageID)
		msgID = &v
	}
	var id int64
	if err := r.pool.QueryRow(ctx, `
		INSERT INTO notifications (user_uid, type, title, body, conversation_id, message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		n.UserUID, n.Type, n.Title, n.Body, convID, msgID, n.CreatedAt).Scan(&id); err != nil {
		return err
	}
	n.ID = uint64(id)
	return nil
}

func (r *pgNotificationRepository) ListByUser(ctx context.Context, userUID string, f NotificationFilter) ([]model.Notification, error) {
	if r.pool == nil {
		return nil, ErrDBNotReady
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_uid, type, title, body, conversation_id, message_id, read_at, created_at
		FROM notifications
		WHERE user_uid = $1
		  AND ($2::BIGINT = 0 OR conversation_id = $2)
		  AND ($3::BOOLEAN = FALSE OR read_at IS NULL)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, userUID, int64(f.ConversationID), f.UnreadOnly, f.limit())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := make([]model.Notification, 0)
	for rows.Next() {
		var (
			n             model.Notification
			convID, msgID *int64
		)
		if err := rows.Scan(&n.ID, &n.UserUID, &n.Type, &n.Title, &n.Body, &convID, &msgID, &n.ReadAt, &n.CreatedAt); err != nil {
			return nil, err
		}
		if convID != nil {
			v := uint64(*convID)
			n.ConversationID = &v
		}
		if msgID != nil {
			v := uint64(*msgID)
			n.MessageID = &v
		}
		list = append(list, n)
	}
	return list, rows.Err()
}

func (r *pgNotificationRepository) MarkAllRead(ctx context.Context, userUID string) error {
	if r.pool == nil {
		return ErrDBNotReady
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE notifications SET read_at = $2 WHERE user_uid = $1 AND read_at IS NULL`, userUID, time.Now().UTC())
	return err
}

func (r *pgNotificationRepository) MarkByConversation(ctx context.Context, userUID string, convID uint64) error {
	if r.pool == nil {
		return ErrDBNotReady
	}
	if convID == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications SET read_at = $3
		WHERE user_uid = $1 AND conversation_id = $2 AND read_at IS NULL`, userUID, int64(convID), time.Now().UTC())
	return err
}

func (r *pgNotificationRepository) CountUnread(ctx context.Context, userUID string, convID uint64) (int64, error) {
	if r.pool == nil {
		return 0, ErrDBNotReady
	}
	var cnt int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE user_uid = $1 AND read_at IS NULL AND ($2::BIGINT = 0 OR conversation_id = $2)`,
		userUID, int64(convID)).Scan(&cnt)
	return cnt, err
}
