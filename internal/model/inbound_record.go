package model

import (
	"time"
)

// InboundMessageRecord is a pure idempotency marker: one row per physical
// inbound message that was successfully appended to a ticket. The marker is
// written after the append, so a crash in between makes reprocessing safe
// (duplicate append beats silent loss).
//
// Rows are prunable after the retention window since gateways never redeliver
// older messages.
type InboundMessageRecord struct {
	ID                int64     `json:"-" gorm:"primaryKey;autoIncrement"`
	ConnectionID      string    `json:"connection_id" gorm:"column:connection_id;uniqueIndex:idx_inbound_dedup" validate:"required"`
	ExternalMessageID string    `json:"external_message_id" gorm:"column:external_message_id;uniqueIndex:idx_inbound_dedup" validate:"required"`
	ProcessedAt       time.Time `json:"processed_at" gorm:"column:processed_at;index"`
}

// TableName specifies the table name for GORM.
func (InboundMessageRecord) TableName() string {
	return "inbound_message_records"
}
