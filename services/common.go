// Package services holds the BookHive command functions. Each one validates
// its input, applies a state transition and persists the result, returning
// an *Error whose Kind the HTTP layer maps to a status code.
package services

import (
	"errors"
	"strconv"
	"time"

	"github.com/ChienAnTu/Bookhive/models"
	"gorm.io/gorm"
)

// Actor is the authenticated caller of a command.
type Actor struct {
	UserID uint
	Role   string
}

func (a Actor) IsAdmin() bool { return a.Role == models.RoleAdmin }

// System is the actor used by background jobs and webhooks.
var System = Actor{Role: models.RoleAdmin}

func (a Actor) label() string {
	if a.UserID == 0 {
		return "system"
	}
	return "user:" + strconv.FormatUint(uint64(a.UserID), 10)
}

type clock func() time.Time

func (c clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}

func notFoundOr(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NotFound(format, args...)
	}
	return err
}

func audit(tx *gorm.DB, eventType, referenceID, actor, message string) error {
	return tx.Create(&models.AuditLog{
		EventType:   eventType,
		ReferenceID: referenceID,
		Actor:       actor,
		Message:     message,
	}).Error
}
