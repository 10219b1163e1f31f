package domain

import "time"

// InboundMessageEvent is the channel-agnostic shape of one received message.
type InboundMessageEvent struct {
	FromChannelID     string    `json:"from_channel_id"`
	ToChannelID       string    `json:"to_channel_id,omitempty"`
	Text              string    `json:"text"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	DisplayName       string    `json:"display_name,omitempty"`
	ReceivedAt        time.Time `json:"received_at"`
}

// InboundMessage is the persisted record of an InboundMessageEvent.
type InboundMessage struct {
	ID                string
	LeadID            string
	SalesID           string
	ProviderMessageID string
	From              string
	Text              string
	ReceivedAt        time.Time
}

// QueueMessage is the transport format sent to queue backends.
type QueueMessage struct {
	MessageID   string              `json:"message_id"`
	Event       InboundMessageEvent `json:"event"`
	Attempt     int                 `json:"attempt"`
	RequestedAt time.Time           `json:"requested_at"`
}
