package domain

import "time"

// MaxMessageLength bounds chat message content, in characters
const MaxMessageLength = 1000

// Message is one chat line within a help request's conversation
type Message struct {
	ID            string    `json:"id"`
	Content       string    `json:"content"`
	SenderID      string    `json:"senderId"`
	HelpRequestID string    `json:"helpRequestId"`
	CreatedAt     time.Time `json:"createdAt"`
	Read          bool      `json:"read"`
}
