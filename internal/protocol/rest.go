package protocol

import "time"

// REST wire types for the conversation data API. The channel carries live
// events; list, lookup, and history pages go over plain HTTP.

// ConversationSummary is one row of a user's conversation list, as seen
// from that user.
type ConversationSummary struct {
	ID                 string    `json:"id"`
	CounterpartEmail   string    `json:"counterpartEmail"`
	CounterpartName    string    `json:"counterpartName"`
	LastMessagePreview string    `json:"lastMessagePreview"`
	LastMessageAt      time.Time `json:"lastMessageAt"`
	UnreadCount        int       `json:"unreadCount"`
}

// HistoryResponse is a page of a conversation's confirmed messages in
// ascending creation order.
type HistoryResponse struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
}

// CreateConversationRequest finds or creates the conversation between the
// caller and a counterpart.
type CreateConversationRequest struct {
	Email            string `json:"email"`
	Name             string `json:"name"`
	CounterpartEmail string `json:"counterpartEmail"`
	CounterpartName  string `json:"counterpartName"`
}
