package model

import "sort"

// ConversationSummary is one inbox row: a partner and the state of the chat with them
type ConversationSummary struct {
	PartnerID       string  `json:"partnerId"`
	LastMessage     Message `json:"lastMessage"`
	UnreadCount     int     `json:"unreadCount"`
	FromReservation bool    `json:"fromReservation"`
}

// ConversationKey returns the same key for (a, b) and (b, a).
func ConversationKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}
