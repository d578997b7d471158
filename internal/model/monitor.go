package model

// -----------------------------------------------------------------
// Monitor API Response Models
// -----------------------------------------------------------------

// MonitorResponse is the main response for the monitor API
type MonitorResponse struct {
	Status      string          `json:"status"`      // "healthy", "idle"
	Connections ConnectionStats `json:"connections"` // Subscriber stats
	Channels    ChannelStats    `json:"channels"`    // Channel stats
	Clients     []ClientInfo    `json:"clients"`     // List of subscribers
}

// ConnectionStats holds connection-related statistics
type ConnectionStats struct {
	TotalConnected int `json:"totalConnected"` // Total subscribers currently attached
	TotalWebSocket int `json:"totalWebSocket"` // Subscribers on a websocket
	TotalLocal     int `json:"totalLocal"`     // In-process subscribers
}

// ChannelStats holds channel statistics
type ChannelStats struct {
	TotalChannels  int           `json:"totalChannels"`
	Conversations  int           `json:"conversations"` // dm:* channels
	Inboxes        int           `json:"inboxes"`       // inbox:* channels
	ChannelDetails []ChannelInfo `json:"channelDetails"`
}

// ChannelInfo contains information about a single channel
type ChannelInfo struct {
	Channel     string   `json:"channel"`
	Subscribers int      `json:"subscribers"`
	UserIDs     []string `json:"userIds"`
}

// ClientInfo contains information about an attached subscriber
type ClientInfo struct {
	ClientID     string `json:"clientId"`
	Subscription string `json:"subscription"`
	UserID       string `json:"userId"`
	PartnerID    string `json:"partnerId,omitempty"`
	Channel      string `json:"channel"`
	Transport    string `json:"transport"` // "websocket" or "local"
}
