// Package models defines the canonical records shared between the kernel
// subsystems: channel events, tool descriptors and invocations, trust and
// evolution state. All types are plain data; behavior lives in internal
// packages.
package models

import (
	"fmt"
	"time"
)

// MessageType classifies the payload of a channel event.
type MessageType string

const (
	MessageText        MessageType = "TEXT"
	MessageImage       MessageType = "IMAGE"
	MessageAudio       MessageType = "AUDIO"
	MessageVideo       MessageType = "VIDEO"
	MessageFile        MessageType = "FILE"
	MessageLocation    MessageType = "LOCATION"
	MessageInteractive MessageType = "INTERACTIVE"
	MessageSystem      MessageType = "SYSTEM"
)

// Attachment represents a file or media attachment carried by a message.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Location is a geographic point attached to a LOCATION message.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// InboundMessage is the unified inbound event format across all channels.
// Adapters construct one on receipt; after that it is immutable.
type InboundMessage struct {
	ChannelID       string         `json:"channel_id"`
	UserKey         string         `json:"user_key"`
	ConversationKey string         `json:"conversation_key"`
	MessageID       string         `json:"message_id"` // globally unique per channel
	Timestamp       time.Time      `json:"timestamp"`  // UTC
	Type            MessageType    `json:"type"`
	Text            string         `json:"text,omitempty"`
	Attachments     []Attachment   `json:"attachments,omitempty"`
	Location        *Location      `json:"location,omitempty"`
	Raw             []byte         `json:"raw,omitempty"` // opaque platform payload
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Validate enforces the structural invariants of an inbound message.
func (m *InboundMessage) Validate() error {
	if m.ChannelID == "" {
		return fmt.Errorf("channel_id is required")
	}
	if m.MessageID == "" {
		return fmt.Errorf("message_id is required")
	}
	switch m.Type {
	case MessageText:
		if m.Text == "" {
			return fmt.Errorf("TEXT message requires non-empty text")
		}
	case MessageImage, MessageAudio, MessageVideo, MessageFile:
		if len(m.Attachments) == 0 {
			return fmt.Errorf("%s message requires attachments", m.Type)
		}
	case MessageLocation:
		if m.Location == nil {
			return fmt.Errorf("LOCATION message requires location")
		}
	case MessageInteractive, MessageSystem:
		// No structural requirements beyond identity.
	default:
		return fmt.Errorf("unknown message type: %q", m.Type)
	}
	return nil
}

// IsBot reports whether the message was authored by a bot account.
// Adapters set the flag from platform metadata; bot traffic is dropped
// silently before the middleware chain.
func (m *InboundMessage) IsBot() bool {
	if m.Metadata == nil {
		return false
	}
	v, ok := m.Metadata["is_bot"].(bool)
	return ok && v
}

// Command returns the leading slash command word of a TEXT message
// (lowercased, including the slash), or "" when the message is not a
// command.
func (m *InboundMessage) Command() string {
	if m.Type != MessageText || len(m.Text) == 0 || m.Text[0] != '/' {
		return ""
	}
	end := len(m.Text)
	for i, r := range m.Text {
		if r == ' ' || r == '\n' || r == '\t' {
			end = i
			break
		}
	}
	return lowerASCII(m.Text[:end])
}

// OutboundMessage is the unified outbound format consumed by adapters.
type OutboundMessage struct {
	ChannelID        string         `json:"channel_id"`
	UserKey          string         `json:"user_key"`
	ConversationKey  string         `json:"conversation_key"`
	MessageID        string         `json:"message_id"`
	ReplyToMessageID string         `json:"reply_to_message_id,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
	Type             MessageType    `json:"type"`
	Text             string         `json:"text,omitempty"`
	Attachments      []Attachment   `json:"attachments,omitempty"`
	Location         *Location      `json:"location,omitempty"`
	DeliveryOptions  map[string]any `json:"delivery_options,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// SendReceipt is the adapter's acknowledgment of a delivered message.
type SendReceipt struct {
	OK                bool   `json:"ok"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Error             string `json:"error,omitempty"`
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}
