package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shinyyama/farm-market-backend/internal/model"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type conversationRepository struct {
	db  *gorm.DB
	log *logrus.Logger
	now func() time.Time
}

func NewConversationRepository(db *gorm.DB, log *logrus.Logger) ChatRepository {
	if log == nil {
		log = logrus.New()
	}
	return &conversationRepository{db: db, log: log, now: time.Now}
}

func (r *conversationRepository) CreateConversation(ctx context.Context, buyerUID, farmerUID string) (*model.Conversation, error) {
	if r.db == nil {
		return nil, ErrDBNotReady
	}
	now := r.now().UTC().Truncate(time.Millisecond)
	cv := model.Conversation{
		BuyerUID:       buyerUID,
		FarmerUID:      farmerUID,
		PairKey:        model.PairKey(buyerUID, farmerUID),
		LastActivityAt: now,
		CreatedAt:      now,
	}
	// The unique pair_key index arbitrates concurrent first contact; the loser
	// inserts nothing and reads the winner's row below.
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "pair_key"}}, DoNothing: true}).
		Create(&cv).Error; err != nil {
		return nil, err
	}
	return r.findByPairKey(ctx, cv.PairKey)
}

func (r *conversationRepository) FindConversation(ctx context.Context, buyerUID, farmerUID string) (*model.Conversation, error) {
	if r.db == nil {
		return nil, ErrDBNotReady
	}
	return r.findByPairKey(ctx, model.PairKey(buyerUID, farmerUID))
}

func (r *conversationRepository) findByPairKey(ctx context.Context, key string) (*model.Conversation, error) {
	var cv model.Conversation
	if err := r.db.WithContext(ctx).Where("pair_key = ?", key).First(&cv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &cv, nil
}

func (r *conversationRepository) FindConversationByID(ctx context.Context, id uint64) (*model.Conversation, error) {
	if r.db == nil {
		return nil, ErrDBNotReady
	}
	var cv model.Conversation
	if err := r.db.WithContext(ctx).First(&cv, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &cv, nil
}

func (r *conversationRepository) AppendMessage(ctx context.Context, msg *model.Message) error {
	if r.db == nil {
		return ErrDBNotReady
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cv model.Conversation
		if err := lockConversation(tx, msg.ConversationID).Take(&cv).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		// Creation time never goes backwards within a conversation, so
		// (created_at, id) ordering matches append order.
		createdAt := r.now().UTC().Truncate(time.Millisecond)
		if createdAt.Before(cv.LastActivityAt) {
			createdAt = cv.LastActivityAt
		}
		msg.ID = 0
		msg.CreatedAt = createdAt
		msg.IsRead = false
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return tx.Model(&model.Conversation{}).
			Where("id = ?", cv.ID).
			Update("last_activity_at", createdAt).Error
	})
}

// lockConversation selects the conversation's activity clock FOR UPDATE, so
// appends from every instance serialize on the row.
func lockConversation(tx *gorm.DB, convID uint64) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id", "last_activity_at").
		Where("id = ?", convID)
}

func (r *conversationRepository) ListMessages(ctx context.Context, convID uint64) ([]model.Message, error) {
	if r.db == nil {
		return nil, ErrDBNotReady
	}
	var msgs []model.Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", convID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *conversationRepository) ListConversationsWithSummary(ctx context.Context, uid string) ([]model.ConversationSummary, error) {
	if r.db == nil {
		return nil, ErrDBNotReady
	}
	var convs []model.Conversation
	if err := r.db.WithContext(ctx).
		Where("buyer_uid = ? OR farmer_uid = ?", uid, uid).
		Order("last_activity_at DESC").
		Order("id DESC").
		Find(&convs).Error; err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return []model.ConversationSummary{}, nil
	}

	ids := make([]uint64, 0, len(convs))
	others := make([]string, 0, len(convs))
	for _, cv := range convs {
		ids = append(ids, cv.ID)
		others = append(others, cv.OtherParticipant(uid))
	}

	var last []model.Message
	if err := r.db.WithContext(ctx).
		Where("id IN (?)", r.db.Model(&model.Message{}).
			Select("MAX(id)").
			Where("conversation_id IN ?", ids).
			Group("conversation_id")).
		Find(&last).Error; err != nil {
		return nil, err
	}
	lastByConv := make(map[uint64]model.Message, len(last))
	for _, m := range last {
		lastByConv[m.ConversationID] = m
	}

	type unreadRow struct {
		ConversationID uint64
		Cnt            int64
	}
	var unread []unreadRow
	if err := r.db.WithContext(ctx).
		Model(&model.Message{}).
		Select("conversation_id, COUNT(*) AS cnt").
		Where("conversation_id IN ? AND recipient_uid = ? AND is_read = ?", ids, uid, false).
		Group("conversation_id").
		Scan(&unread).Error; err != nil {
		return nil, err
	}
	unreadByConv := make(map[uint64]int64, len(unread))
	for _, u := range unread {
		unreadByConv[u.ConversationID] = u.Cnt
	}

	// The users table belongs to the account service; a failed lookup only
	// degrades names to their defaults.
	var profiles []model.UserProfile
	if err := r.db.WithContext(ctx).Where("id IN ?", others).Find(&profiles).Error; err != nil {
		r.log.WithField("user", uid).Warnf("lookup profiles: %v", err)
	}
	profileByID := make(map[string]model.UserProfile, len(profiles))
	for _, p := range profiles {
		profileByID[p.ID] = p
	}

	out := make([]model.ConversationSummary, 0, len(convs))
	for _, cv := range convs {
		s := model.ConversationSummary{
			Conversation: cv,
			OtherUID:     cv.OtherParticipant(uid),
			UnreadCount:  unreadByConv[cv.ID],
		}
		if p, ok := profileByID[s.OtherUID]; ok {
			s.OtherName = p.DisplayName()
			s.OtherAvatarURL = p.AvatarURL
		} else {
			s.OtherName = defaultName(cv, s.OtherUID)
		}
		if m, ok := lastByConv[cv.ID]; ok {
			at := m.CreatedAt
			s.LastMessage = m.Content
			s.LastMessageKind = string(m.Kind)
			s.LastMessageAt = &at
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *conversationRepository) MarkRead(ctx context.Context, convID uint64, recipientUID string) (int64, error) {
	if r.db == nil {
		return 0, ErrDBNotReady
	}
	res := r.db.WithContext(ctx).
		Model(&model.Message{}).
		Where("conversation_id = ? AND recipient_uid = ? AND is_read = ?", convID, recipientUID, false).
		Update("is_read", true)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func defaultName(cv model.Conversation, other string) string {
	if other == cv.FarmerUID {
		return "Farmer"
	}
	return "Buyer"
}
