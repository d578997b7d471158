package hub

import (
	"time"

	"go.uber.org/zap"

	"Parley/internal/event"
	"Parley/internal/model"
)

// -----------------------------------------------------------------
// Notification Methods - Send Events to Subscribers
// -----------------------------------------------------------------

// PublishMessage fans a stored message out to its conversation channel and to
// the inboxes of both participants. name is EventMessageInsert or
// EventMessageUpdate.
func (h *Hub) PublishMessage(name string, msg model.Message) {
	channels := []string{
		event.ConversationChannel(msg.SenderID, msg.ReceiverID),
		event.InboxChannel(msg.SenderID),
	}
	if msg.ReceiverID != msg.SenderID {
		channels = append(channels, event.InboxChannel(msg.ReceiverID))
	}

	delivered := 0
	for _, channel := range channels {
		ev, err := event.MessageEvent(name, channel, msg)
		if err != nil {
			h.logger.Error("encode message event", zap.String("message_id", msg.ID), zap.Error(err))
			return
		}
		delivered += h.Publish(channel, ev, "")
	}

	h.logger.Debug("message published",
		zap.String("event", name),
		zap.String("message_id", msg.ID),
		zap.Int("delivered", delivered))
}

// broadcastPresence tells everyone in channel but exclude that user came or went.
func (h *Hub) broadcastPresence(channel, user string, online bool, exclude string) {
	ev, err := presenceEvent(channel, user, online)
	if err != nil {
		h.logger.Error("encode presence", zap.Error(err))
		return
	}
	h.Publish(channel, ev, exclude)
}

// notifyPresence tells m that user is already in its channel.
func (h *Hub) notifyPresence(m member, user string, online bool) {
	ev, err := presenceEvent(m.Channel(), user, online)
	if err != nil {
		h.logger.Error("encode presence", zap.Error(err))
		return
	}
	if !m.enqueue(ev) {
		h.logger.Warn("presence not delivered", zap.String("client_id", m.ID()))
	}
}

func presenceEvent(channel, user string, online bool) (event.WsEvent, error) {
	return event.New(event.EventPresence, channel, model.Presence{
		UserID: user,
		Online: online,
		At:     time.Now().UTC(),
	})
}

func subscribedEvent(m member) (event.WsEvent, error) {
	info := m.Info()
	return event.New(event.EventSubscribed, info.Channel, info)
}
