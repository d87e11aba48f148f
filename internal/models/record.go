package models

import "time"

// Record is one generated piece of content owned by a principal. The
// reference backend creates it on the first save of a session and updates
// it in place on every later save.
type Record struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	PrincipalID string    `gorm:"size:64;not null;index:idx_principal_generated"`
	Topic       string    `gorm:"size:512;not null"`
	Content     string    `gorm:"type:mediumtext"`
	SEOScore    *float64  `gorm:"column:seo_score"`
	Iterations  int       `gorm:"not null;default:0"`
	GeneratedAt time.Time `gorm:"index:idx_principal_generated"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
