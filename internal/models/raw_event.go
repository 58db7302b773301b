package models

import "time"

type Direction string

const (
	DirectionEntry Direction = "entry"
	DirectionExit  Direction = "exit"
)

// RawEvent is one physical swipe. Exact duplicates are allowed: the turnstile
// API does not guarantee idempotent delivery, so dedup happens at reconcile time.
type RawEvent struct {
	ID int64 `gorm:"primaryKey;column:id"`

	EmployeeID string `gorm:"column:employee_id;not null;index:idx_raw_events_employee_time,priority:1" validate:"required"`
	SiteCode   string `gorm:"column:site_code;not null;index" validate:"required"`

	// UTC instant; the local day is derived from the site's zone.
	OccurredAt time.Time `gorm:"column:occurred_at;not null;index:idx_raw_events_employee_time,priority:2"`
	Direction  Direction `gorm:"column:direction;not null" validate:"required,oneof=entry exit"`

	DeviceCode *string `gorm:"column:device_code"`
	ExternalID *string `gorm:"column:external_id"`

	CreatedAt time.Time `gorm:"column:created_at"`
}

func (RawEvent) TableName() string { return "raw_events" }
