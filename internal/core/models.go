package core

import (
	"time"
)

type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelTelegram Channel = "telegram"
	ChannelMeta     Channel = "meta"
)

type BroadcastStatus string

const (
	BroadcastPending    BroadcastStatus = "pending"
	BroadcastScheduled  BroadcastStatus = "scheduled"
	BroadcastProcessing BroadcastStatus = "processing"
	BroadcastCompleted  BroadcastStatus = "completed"
	BroadcastFailed     BroadcastStatus = "failed"
	BroadcastCancelled  BroadcastStatus = "cancelled"
)

// Terminal reports whether no further status mutation is allowed.
func (s BroadcastStatus) Terminal() bool {
	return s == BroadcastCompleted || s == BroadcastFailed || s == BroadcastCancelled
}

type MessageStatus string

const (
	MessageQueued    MessageStatus = "queued"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

type Broadcast struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Channel    Channel         `json:"channel"`
	SessionRef string          `json:"session_ref"`
	Body       string          `json:"body"`
	MediaURL   *string         `json:"media_url,omitempty"`
	Status     BroadcastStatus `json:"status"`

	Total     int `json:"total"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Delivered int `json:"delivered"`
	Read      int `json:"read"`

	// Cursor is the position of the next recipient to attempt. The frozen
	// recipient list lives in broadcast_messages, ordered by position.
	Cursor int `json:"cursor"`

	CancelRequested bool `json:"cancel_requested,omitempty"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// SessionKey scopes rate limiting and dispatch: one active dispatcher
// per (channel, session) pair.
func (b Broadcast) SessionKey() string {
	return string(b.Channel) + ":" + b.SessionRef
}

type BroadcastMessage struct {
	BroadcastID       string        `json:"broadcast_id"`
	Recipient         string        `json:"recipient"`
	Position          int           `json:"position"`
	Status            MessageStatus `json:"status"`
	ProviderMessageID *string       `json:"provider_message_id,omitempty"`
	ErrorText         *string       `json:"error_text,omitempty"`
	SentAt            *time.Time    `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time    `json:"delivered_at,omitempty"`
	ReadAt            *time.Time    `json:"read_at,omitempty"`
}

type Contact struct {
	ID         string  `json:"id"`
	UserID     string  `json:"user_id"`
	Name       string  `json:"name"`
	Channel    Channel `json:"channel"`
	Identifier string  `json:"identifier"`
}

type ContactGroup struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

type TriggerType string

const (
	TriggerAll        TriggerType = "all"
	TriggerKeyword    TriggerType = "keyword"
	TriggerExact      TriggerType = "exact"
	TriggerContains   TriggerType = "contains"
	TriggerStartsWith TriggerType = "starts_with"
	TriggerRegex      TriggerType = "regex"
)

// BusinessHours restricts a rule to an inclusive HH:MM window on the
// listed weekdays. A window whose end precedes its start wraps midnight.
type BusinessHours struct {
	Start    string         `json:"start"`
	End      string         `json:"end"`
	Weekdays []time.Weekday `json:"weekdays"`
}

type AutoReplyRule struct {
	ID           int64          `json:"id"`
	UserID       string         `json:"user_id"`
	Channel      Channel        `json:"channel"`
	SessionRef   string         `json:"session_ref"`
	TriggerType  TriggerType    `json:"trigger_type"`
	TriggerValue string         `json:"trigger_value,omitempty"`
	Response     string         `json:"response"`
	Priority     int            `json:"priority"`
	IsActive     bool           `json:"is_active"`
	Hours        *BusinessHours `json:"business_hours,omitempty"`
}
