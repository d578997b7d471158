package hub

import (
	"sort"
	"strings"

	"Parley/internal/model"
)

// MonitorService provides methods to gather hub statistics
type MonitorService struct {
	hub *Hub
}

// NewMonitorService creates a new monitor service
func NewMonitorService(hub *Hub) *MonitorService {
	return &MonitorService{hub: hub}
}

// GetStats gathers and returns all hub statistics
func (ms *MonitorService) GetStats() model.MonitorResponse {
	clients, channels := ms.snapshot()

	connectionStats := model.ConnectionStats{TotalConnected: len(clients)}
	for _, c := range clients {
		switch c.Transport {
		case TransportWebSocket:
			connectionStats.TotalWebSocket++
		case TransportLocal:
			connectionStats.TotalLocal++
		}
	}

	channelStats := model.ChannelStats{
		TotalChannels:  len(channels),
		ChannelDetails: channels,
	}
	for _, ch := range channels {
		switch {
		case strings.HasPrefix(ch.Channel, "dm:"):
			channelStats.Conversations++
		case strings.HasPrefix(ch.Channel, "inbox:"):
			channelStats.Inboxes++
		}
	}

	// Determine overall health status
	status := "healthy"
	if ms.hub.stopped() {
		status = "stopped"
	} else if connectionStats.TotalConnected == 0 {
		status = "idle"
	}

	return model.MonitorResponse{
		Status:      status,
		Connections: connectionStats,
		Channels:    channelStats,
		Clients:     clients,
	}
}

// snapshot walks every shard once and returns the attached subscribers and
// per-channel details, both sorted for stable output.
func (ms *MonitorService) snapshot() ([]model.ClientInfo, []model.ChannelInfo) {
	clients := make([]model.ClientInfo, 0)
	channels := make([]model.ChannelInfo, 0)

	for _, bucket := range ms.hub.shards {
		bucket.RLock()
		for channel, room := range bucket.channels {
			users := make(map[string]bool, len(room))
			for _, m := range room {
				clients = append(clients, m.Info())
				users[m.UserID()] = true
			}

			userIDs := make([]string, 0, len(users))
			for u := range users {
				userIDs = append(userIDs, u)
			}
			sort.Strings(userIDs)

			channels = append(channels, model.ChannelInfo{
				Channel:     channel,
				Subscribers: len(room),
				UserIDs:     userIDs,
			})
		}
		bucket.RUnlock()
	}

	sort.Slice(clients, func(i, j int) bool {
		if clients[i].Channel != clients[j].Channel {
			return clients[i].Channel < clients[j].Channel
		}
		return clients[i].ClientID < clients[j].ClientID
	})
	sort.Slice(channels, func(i, j int) bool { return channels[i].Channel < channels[j].Channel })
	return clients, channels
}
