package models

import "time"

type SchedulerLock struct {
	Name       string    `gorm:"type:varchar(60);primaryKey"`
	Owner      string    `gorm:"size:64;not null"`
	LeaseUntil time.Time `gorm:"not null"`
}
