package service

import (
	"database/sql"
	"errors"

	"github.com/noah-isme/grd-workflow-api/pkg/database"
	appErrors "github.com/noah-isme/grd-workflow-api/pkg/errors"
)

// translateStoreError maps repository failures onto the error taxonomy. Errors that
// are already typed pass through untouched.
func translateStoreError(err error, notFound *appErrors.Error) error {
	if err == nil {
		return nil
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	switch {
	case errors.Is(err, sql.ErrNoRows) && notFound != nil:
		return notFound
	case database.IsTransient(err):
		return appErrors.Wrap(err, appErrors.ErrTransient.Code, appErrors.ErrTransient.Status, appErrors.ErrTransient.Message)
	default:
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
	}
}

func fileNotFound(fileID int64) *appErrors.Error {
	return appErrors.WithDetails(
		appErrors.Clone(appErrors.ErrNotFound, "grd file not found"),
		map[string]interface{}{"fileId": fileID},
	)
}
