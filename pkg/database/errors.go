package database

import (
	stderrors "errors"

	"gorm.io/gorm"

	"voice-integrity-server/pkg/errors"
)

// ErrDisabled indicates persistence was not configured
var ErrDisabled = stderrors.New("persistence disabled")

// translate maps gorm errors onto the service error taxonomy
func translate(err error, message string, fields map[string]interface{}) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrap(errors.ErrNotFound, message, fields).WithCode("NOT_FOUND")
	}
	return errors.Wrap(err, message, fields).WithCode("DATABASE_ERROR")
}
