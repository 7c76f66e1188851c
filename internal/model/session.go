package model

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

const (
	maxTitleLen       = 50
	maxLastMessageLen = 100

	// DefaultTitle is used when the first user message carries no text.
	DefaultTitle = "Image Analysis"
)

// ChatSession is one persisted conversation thread. LastImages carries the
// most recent image turn forward so follow-up questions can reuse it without
// re-uploading.
type ChatSession struct {
	ID           string         `gorm:"primaryKey;size:36" json:"id"`
	UserID       uint           `gorm:"not null;index" json:"user_id"`
	Title        string         `gorm:"size:128;not null" json:"title"`
	LastMessage  string         `gorm:"size:256;not null" json:"last_message"`
	LastImages   datatypes.JSON `gorm:"type:json" json:"last_images"`
	MessageCount int            `gorm:"not null" json:"message_count"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// TitleFromMessage derives a session title from the first user message.
func TitleFromMessage(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return DefaultTitle
	}
	return truncate(content, maxTitleLen)
}

// SummaryFromReply derives the last-message preview from an assistant reply.
func SummaryFromReply(reply string) string {
	return truncate(strings.TrimSpace(reply), maxLastMessageLen)
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
