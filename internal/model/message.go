package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one half of a conversational turn. Messages are append-only;
// there is no update path.
type Message struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	SessionID string         `gorm:"size:36;not null;index" json:"session_id"`
	UserID    uint           `gorm:"not null;index" json:"user_id"`
	Role      string         `gorm:"size:16;not null" json:"role"`
	Content   string         `gorm:"type:text;not null" json:"content"`
	Images    datatypes.JSON `gorm:"type:json" json:"images,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ImageListJSON encodes a URL list the way session and message rows store it.
func ImageListJSON(urls []string) datatypes.JSON {
	if len(urls) == 0 {
		return nil
	}
	b, _ := json.Marshal(urls)
	return b
}

// ImageListFromJSON decodes a stored URL list; nil on empty input.
func ImageListFromJSON(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var urls []string
	_ = json.Unmarshal(raw, &urls)
	return urls
}
