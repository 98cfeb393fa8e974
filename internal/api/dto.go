package api

import (
	"time"

	"github.com/amora-app/chatsync/internal/model"
)

// chatDTO is the wire shape of GET /chats entries.
type chatDTO struct {
	ID                string     `json:"id"`
	OtherUserID       string     `json:"otherUserId"`
	OtherUserName     string     `json:"otherUserName"`
	OtherUserPhoto    *string    `json:"otherUserPhoto"`
	LastMessage       *string    `json:"lastMessage"`
	LastMessageAt     *time.Time `json:"lastMessageAt"`
	UnreadCount       int        `json:"unreadCount"`
	IsSuperLike       bool       `json:"isSuperLike"`
	SuperLikeByUserID *string    `json:"superLikeByUserId"`
}

// messageDTO is the wire shape of a chat message, shared with the realtime hub.
type messageDTO struct {
	ID           string    `json:"id"`
	ChatID       string    `json:"chatId"`
	SenderUserID string    `json:"senderUserId"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"createdAt"`
	IsRead       bool      `json:"isRead"`
}

// matchDTO is the wire shape of the interactions lists.
type matchDTO struct {
	UserID      string   `json:"userId"`
	MatchID     string   `json:"matchId"`
	Name        string   `json:"name"`
	Photo       string   `json:"photo"`
	Photos      []string `json:"photos"`
	IsNew       *bool    `json:"isNew"`
	Viewed      *bool    `json:"viewed"`
	ChatID      string   `json:"chatId"`
	IsSuperLike bool     `json:"isSuperLike"`
}

type reportRequest struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

func mapChat(dto chatDTO) model.ConversationSummary {
	unread := dto.UnreadCount
	if unread < 0 {
		unread = 0
	}
	return model.ConversationSummary{
		ConversationID:        dto.ID,
		OtherParticipantID:    dto.OtherUserID,
		OtherParticipantName:  dto.OtherUserName,
		OtherParticipantPhoto: dto.OtherUserPhoto,
		LastMessageText:       dto.LastMessage,
		LastMessageTime:       dto.LastMessageAt,
		UnreadCount:           unread,
		IsSuperLikeOrigin:     dto.IsSuperLike,
		SuperLikeOriginUserID: dto.SuperLikeByUserID,
	}
}

func mapMessage(dto messageDTO) model.Message {
	return model.Message{
		ID:             dto.ID,
		ConversationID: dto.ChatID,
		SenderUserID:   dto.SenderUserID,
		Content:        dto.Content,
		CreatedAt:      dto.CreatedAt,
		IsRead:         dto.IsRead,
	}
}

func mapMatch(dto matchDTO, superLike bool) model.MatchCandidate {
	photo := dto.Photo
	if photo == "" && len(dto.Photos) > 0 {
		photo = dto.Photos[0]
	}
	// Entries are new unless the backend says otherwise.
	isNew := true
	switch {
	case dto.IsNew != nil:
		isNew = *dto.IsNew
	case dto.Viewed != nil:
		isNew = !*dto.Viewed
	}
	return model.MatchCandidate{
		UserID:      dto.UserID,
		MatchID:     dto.MatchID,
		Name:        dto.Name,
		Photo:       photo,
		IsNew:       isNew,
		ChatID:      dto.ChatID,
		IsSuperLike: dto.IsSuperLike || superLike,
	}
}
