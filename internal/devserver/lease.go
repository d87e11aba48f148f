package devserver

import (
	"errors"
	"fmt"
	"time"

	"github.com/Srey123/seostream/internal/models"
	"gorm.io/gorm"
)

// DefaultLeaseTTL is how long a lease survives without a heartbeat.
const DefaultLeaseTTL = 2 * time.Minute

// Lease statuses.
const (
	LeaseWaiting  = "waiting"
	LeaseActive   = "active"
	LeaseReleased = "released"
	LeaseExpired  = "expired"
)

// LeaseState is a holder's standing in the quota queue.
type LeaseState struct {
	Acquired bool
	// Position counts the leases ahead of this one, including the active
	// holder. Only meaningful while not acquired.
	Position        int
	ActivePrincipal string
}

// Enqueue adds holder to the back of the quota queue.
func Enqueue(db *gorm.DB, holder, principalID string) (*models.QueueLease, error) {
	now := time.Now()
	lease := &models.QueueLease{
		Holder:        holder,
		PrincipalID:   principalID,
		Status:        LeaseWaiting,
		LastHeartbeat: now,
	}
	if err := db.Create(lease).Error; err != nil {
		return nil, fmt.Errorf("devserver: enqueue %s: %w", holder, err)
	}
	return lease, nil
}

// TryAcquire expires stale leases and then grants the quota to holder if
// nobody holds it and holder is first in line. Otherwise it reports the
// holder's position.
func TryAcquire(db *gorm.DB, holder string, ttl time.Duration) (LeaseState, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	var st LeaseState

	err := db.Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		if _, err := expireStale(tx, now.Add(-ttl), now); err != nil {
			return err
		}

		var mine models.QueueLease
		if err := tx.Where("holder = ?", holder).First(&mine).Error; err != nil {
			return fmt.Errorf("load lease: %w", err)
		}
		switch mine.Status {
		case LeaseActive:
			st.Acquired = true
			return nil
		case LeaseWaiting:
		default:
			return fmt.Errorf("lease %s is %s", holder, mine.Status)
		}

		var ahead int64
		if err := tx.Model(&models.QueueLease{}).
			Where("status = ? AND id < ?", LeaseWaiting, mine.ID).
			Count(&ahead).Error; err != nil {
			return fmt.Errorf("count waiters: %w", err)
		}

		var active models.QueueLease
		result := tx.Where("status = ?", LeaseActive).First(&active)
		if result.Error == nil {
			st.Position = int(ahead) + 1
			st.ActivePrincipal = active.PrincipalID
			return nil
		}
		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check active lease: %w", result.Error)
		}
		if ahead > 0 {
			st.Position = int(ahead)
			return nil
		}

		if err := tx.Model(&mine).Updates(map[string]interface{}{
			"status":         LeaseActive,
			"acquired_at":    now,
			"last_heartbeat": now,
		}).Error; err != nil {
			return fmt.Errorf("activate lease: %w", err)
		}
		st.Acquired = true
		return nil
	})
	if err != nil {
		return LeaseState{}, fmt.Errorf("devserver: acquire lease: %w", err)
	}
	return st, nil
}

// ReleaseLease gives up holder's place, whether it was waiting or active.
// Releasing a lease that already ended is not an error.
func ReleaseLease(db *gorm.DB, holder string) error {
	result := db.Model(&models.QueueLease{}).
		Where("holder = ? AND status IN ?", holder, []string{LeaseWaiting, LeaseActive}).
		Updates(map[string]interface{}{
			"status":      LeaseReleased,
			"released_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("devserver: release lease: %w", result.Error)
	}
	return nil
}

// HeartbeatLease refreshes holder's heartbeat.
func HeartbeatLease(db *gorm.DB, holder string) error {
	result := db.Model(&models.QueueLease{}).
		Where("holder = ? AND status IN ?", holder, []string{LeaseWaiting, LeaseActive}).
		Update("last_heartbeat", time.Now())
	if result.Error != nil {
		return fmt.Errorf("devserver: heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("devserver: heartbeat: lease %s not found or ended", holder)
	}
	return nil
}

// ExpireStaleLeases expires every live lease whose heartbeat is older
// than ttl and returns how many were expired.
func ExpireStaleLeases(db *gorm.DB, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	now := time.Now()
	n, err := expireStale(db, now.Add(-ttl), now)
	if err != nil {
		return 0, fmt.Errorf("devserver: %w", err)
	}
	return n, nil
}

func expireStale(tx *gorm.DB, cutoff, now time.Time) (int64, error) {
	result := tx.Model(&models.QueueLease{}).
		Where("status IN ? AND last_heartbeat < ?", []string{LeaseWaiting, LeaseActive}, cutoff).
		Updates(map[string]interface{}{
			"status":      LeaseExpired,
			"released_at": now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("expire stale leases: %w", result.Error)
	}
	return result.RowsAffected, nil
}
