package models

import "time"

// QueueLease is one principal's claim on the shared keyword-research quota.
// At most one lease is "active" at a time; the others wait in CreatedAt
// order. Leases whose heartbeat goes stale are expired so the next waiter
// can take over.
type QueueLease struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	Holder        string    `gorm:"size:64;not null;uniqueIndex"` // per-connection id
	PrincipalID   string    `gorm:"size:64;not null;index"`
	Status        string    `gorm:"size:16;default:waiting;index"` // waiting, active, released, expired
	LastHeartbeat time.Time `gorm:"index"`
	CreatedAt     time.Time
	AcquiredAt    *time.Time
	ReleasedAt    *time.Time
}
