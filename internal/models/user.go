package models

import "time"

// User is a principal known to the reference backend.
type User struct {
	ID           string `gorm:"primaryKey;size:64"`
	Email        string `gorm:"size:255;not null;uniqueIndex"`
	Name         string `gorm:"size:128"`
	PasswordHash string `gorm:"size:128;not null"`
	CreatedAt    time.Time
}
