package database

import (
	"errors"
	"strings"

	"gorm.io/gorm"

	"optiver-forecast/apperr"
)

// WrapDBError translates a database error into an application error with
// operation context:
//   - record not found becomes NotFound
//   - unique and foreign-key violations become Conflict
//   - everything else becomes Dependency
func WrapDBError(operation string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperr.Wrap(apperr.KindNotFound, err, operation+": not found")
	case IsDuplicateKey(err):
		return apperr.Wrap(apperr.KindConflict, err, operation+": record already exists")
	case IsForeignKeyViolation(err):
		return apperr.Wrap(apperr.KindConflict, err, operation+": missing required foreign key")
	}
	return apperr.Dependency(err, "database error in "+operation)
}

// IsDuplicateKey reports a unique constraint violation.
func IsDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value violates unique constraint") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// IsForeignKeyViolation reports a foreign key constraint violation.
func IsForeignKeyViolation(err error) bool {
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "violates foreign key constraint") ||
		strings.Contains(msg, "FOREIGN KEY constraint failed")
}
