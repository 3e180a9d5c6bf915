package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shinyyama/farm-market-backend/internal/model"
	"github.com/shinyyama/farm-market-backend/internal/repository"
	"github.com/sirupsen/logrus"
)

type ConversationService interface {
	GetOrCreate(ctx context.Context, buyerUID, farmerUID string) (*model.Conversation, error)
	// OpenWith resolves which side the caller is on from their role.
	OpenWith(ctx context.Context, uid, role, counterpartUID string) (*model.Conversation, error)
	Get(ctx context.Context, convID uint64, uid string) (*model.Conversation, error)
	ListForUser(ctx context.Context, uid string) ([]model.ConversationSummary, error)
	AppendMessage(ctx context.Context, convID uint64, senderUID string, content Content) (*model.Message, error)
	ListMessages(ctx context.Context, convID uint64, uid string) ([]model.Message, error)
	MarkRead(ctx context.Context, convID uint64, uid string) (int64, error)
}

type conversationService struct {
	repo          repository.ChatRepository
	notifications NotificationService
	log           *logrus.Logger
}

func NewConversationService(repo repository.ChatRepository, notifications NotificationService, log *logrus.Logger) ConversationService {
	if log == nil {
		log = logrus.New()
	}
	return &conversationService{repo: repo, notifications: notifications, log: log}
}

func (s *conversationService) GetOrCreate(ctx context.Context, buyerUID, farmerUID string) (*model.Conversation, error) {
	buyerUID = strings.TrimSpace(buyerUID)
	farmerUID = strings.TrimSpace(farmerUID)
	if buyerUID == "" || farmerUID == "" {
		return nil, ErrInvalidCounterpart
	}
	if buyerUID == farmerUID {
		return nil, ErrSelfConversation
	}
	cv, err := s.repo.FindConversation(ctx, buyerUID, farmerUID)
	if err == nil {
		return cv, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	return s.repo.CreateConversation(ctx, buyerUID, farmerUID)
}

func (s *conversationService) OpenWith(ctx context.Context, uid, role, counterpartUID string) (*model.Conversation, error) {
	switch role {
	case model.RoleBuyer, "":
		return s.GetOrCreate(ctx, uid, counterpartUID)
	case model.RoleFarmer:
		return s.GetOrCreate(ctx, counterpartUID, uid)
	}
	return nil, ErrRoleCannotChat
}

func (s *conversationService) Get(ctx context.Context, convID uint64, uid string) (*model.Conversation, error) {
	cv, err := s.repo.FindConversationByID(ctx, convID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	if !cv.HasParticipant(uid) {
		return nil, ErrNotAParticipant
	}
	return cv, nil
}

func (s *conversationService) ListForUser(ctx context.Context, uid string) ([]model.ConversationSummary, error) {
	if uid == "" {
		return []model.ConversationSummary{}, nil
	}
	return s.repo.ListConversationsWithSummary(ctx, uid)
}

func (s *conversationService) AppendMessage(ctx context.Context, convID uint64, senderUID string, content Content) (*model.Message, error) {
	if content == nil {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidMessage)
	}
	cv, err := s.Get(ctx, convID, senderUID)
	if err != nil {
		return nil, err
	}
	msg := &model.Message{
		ConversationID: cv.ID,
		SenderUID:      senderUID,
		RecipientUID:   cv.OtherParticipant(senderUID),
		Content:        content.Body(),
		Kind:           content.Kind(),
	}
	if err := s.repo.AppendMessage(ctx, msg); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrMessageDeliveryFailed, err)
	}
	return msg, nil
}

func (s *conversationService) ListMessages(ctx context.Context, convID uint64, uid string) ([]model.Message, error) {
	if _, err := s.Get(ctx, convID, uid); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, convID)
}

// MarkRead flags every message addressed to uid in the conversation as read.
func (s *conversationService) MarkRead(ctx context.Context, convID uint64, uid string) (int64, error) {
	if _, err := s.Get(ctx, convID, uid); err != nil {
		return 0, err
	}
	n, err := s.repo.MarkRead(ctx, convID, uid)
	if err != nil {
		return 0, err
	}
	if s.notifications != nil {
		if err := s.notifications.MarkByConversation(ctx, uid, convID); err != nil {
			s.log.WithFields(logrus.Fields{"conversation": convID, "user": uid}).
				Warnf("clear notifications: %v", err)
		}
	}
	return n, nil
}
