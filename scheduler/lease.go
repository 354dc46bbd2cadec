// Package scheduler runs the periodic order sweep on one instance at a time.
package scheduler

import (
	"context"
	"time"

	"github.com/ChienAnTu/Bookhive/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Lease is a named row lock with an expiry, shared by every instance
// pointing at the same database.
type Lease struct {
	db    *gorm.DB
	name  string
	owner string
	ttl   time.Duration
	now   func() time.Time
}

func NewLease(db *gorm.DB, name string, ttl time.Duration) *Lease {
	return &Lease{db: db, name: name, owner: uuid.NewString(), ttl: ttl, now: time.Now}
}

func (l *Lease) Owner() string { return l.owner }

// TryAcquire takes the lease if it is free, expired or already ours.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	now := l.now().UTC()
	until := now.Add(l.ttl)
	db := l.db.WithContext(ctx)

	ins := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.SchedulerLock{Name: l.name, Owner: l.owner, LeaseUntil: until})
	if ins.Error != nil {
		return false, ins.Error
	}
	if ins.RowsAffected == 1 {
		return true, nil
	}

	upd := db.Model(&models.SchedulerLock{}).
		Where("name = ? AND (lease_until < ? OR owner = ?)", l.name, now, l.owner).
		Updates(map[string]any{"owner": l.owner, "lease_until": until})
	if upd.Error != nil {
		return false, upd.Error
	}
	return upd.RowsAffected == 1, nil
}

// Release gives the lease up early so another instance can take the next tick.
func (l *Lease) Release(ctx context.Context) error {
	return l.db.WithContext(ctx).
		Where("name = ? AND owner = ?", l.name, l.owner).
		Delete(&models.SchedulerLock{}).Error
}
