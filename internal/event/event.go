package event

import (
	"encoding/json"
	"fmt"

	"Parley/internal/model"
)

// Server to client
const (
	EventMessageInsert = "message:insert"
	EventMessageUpdate = "message:update"
	EventPresence      = "presence"
	EventSubscribed    = "subscribed"
	EventError         = "error"
)

// Both directions
const (
	EventTyping = "typing"
)

// ConversationChannel is the hub channel of the direct conversation between a and b.
func ConversationChannel(a, b string) string {
	return "dm:" + model.ConversationKey(a, b)
}

// InboxChannel is the hub channel carrying every message addressed to or sent by user.
func InboxChannel(user string) string {
	return "inbox:" + user
}

// WsEvent is the envelope of everything sent over a subscription.
type WsEvent struct {
	Event     string          `json:"event"`
	ChannelId string          `json:"channelId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	MessageId string          `json:"messageId,omitempty"`
}

// New builds an event with v marshalled as payload.
func New(name, channelId string, v any) (WsEvent, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return WsEvent{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return WsEvent{Event: name, ChannelId: channelId, Payload: payload}, nil
}

// MessageEvent builds an insert or update event for msg.
func MessageEvent(name, channelId string, msg model.Message) (WsEvent, error) {
	ev, err := New(name, channelId, msg)
	if err != nil {
		return WsEvent{}, err
	}
	ev.MessageId = msg.ID
	return ev, nil
}

// DecodeMessage decodes the payload of an insert or update event.
func (e WsEvent) DecodeMessage() (model.Message, error) {
	var msg model.Message
	if err := json.Unmarshal(e.Payload, &msg); err != nil {
		return model.Message{}, fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	if msg.ID == "" {
		return model.Message{}, fmt.Errorf("decode %s payload: message without id", e.Event)
	}
	return msg, nil
}

// DecodeTyping decodes the payload of a typing event.
func (e WsEvent) DecodeTyping() (model.TypingIndicator, error) {
	var t model.TypingIndicator
	if err := json.Unmarshal(e.Payload, &t); err != nil {
		return model.TypingIndicator{}, fmt.Errorf("decode typing payload: %w", err)
	}
	return t, nil
}

// DecodePresence decodes the payload of a presence event.
func (e WsEvent) DecodePresence() (model.Presence, error) {
	var p model.Presence
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return model.Presence{}, fmt.Errorf("decode presence payload: %w", err)
	}
	return p, nil
}

// DecodeError decodes the payload of an error event.
func (e WsEvent) DecodeError() model.ErrorPayload {
	var p model.ErrorPayload
	_ = json.Unmarshal(e.Payload, &p)
	return p
}
