package types

import "time"

// ChannelType selects the delivery adapter for a subscription.
type ChannelType string

const (
	ChannelEmail    ChannelType = "email"
	ChannelSMS      ChannelType = "sms"
	ChannelWebhook  ChannelType = "webhook"
	ChannelQueue    ChannelType = "queue"
	ChannelFunction ChannelType = "function"
)

// Valid reports whether c names a supported channel.
func (c ChannelType) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelWebhook, ChannelQueue, ChannelFunction:
		return true
	}
	return false
}

// DeliveryStatus is the outcome of one (event, subscription) pair.
type DeliveryStatus string

const (
	StatusDelivered         DeliveryStatus = "Delivered"
	StatusRetrying          DeliveryStatus = "Retrying"
	StatusDeadLettered      DeliveryStatus = "DeadLettered"
	StatusSkippedSuppressed DeliveryStatus = "Skipped-Suppressed"
	StatusSkippedDeduped    DeliveryStatus = "Skipped-Deduped"

	// StatusHeld marks a composite notification waiting on its suppressor.
	StatusHeld DeliveryStatus = "Held"
	// StatusSkippedUnchanged marks an event whose state did not change.
	StatusSkippedUnchanged DeliveryStatus = "Skipped-Unchanged"
	// StatusDropped marks an event that could not be classified.
	StatusDropped DeliveryStatus = "Dropped"
)

// DeliveryResult reports what happened to one event for one subscription.
// Results that are not tied to a subscription (Held, Dropped,
// Skipped-Unchanged) leave Channel and Endpoint empty.
type DeliveryResult struct {
	EventID   string         `json:"eventId"`
	AlarmName string         `json:"alarmName,omitempty"`
	Severity  Severity       `json:"severity,omitempty"`
	Channel   ChannelType    `json:"channel,omitempty"`
	Endpoint  string         `json:"endpoint,omitempty"`
	Status    DeliveryStatus `json:"status"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"lastError,omitempty"`
	At        time.Time      `json:"at"`
}
