package handler

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/grd-workflow-api/internal/middleware"
	"github.com/noah-isme/grd-workflow-api/internal/models"
	appErrors "github.com/noah-isme/grd-workflow-api/pkg/errors"
)

func fileIDParam(c *gin.Context) (int64, error) {
	raw := strings.TrimSpace(c.Param("id"))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, appErrors.Clone(appErrors.ErrValidation, "file id must be a positive integer")
	}
	return id, nil
}

func actorFrom(c *gin.Context) (models.Actor, error) {
	claims := middleware.ClaimsFrom(c)
	if claims == nil {
		return models.Actor{}, appErrors.ErrUnauthorized
	}
	return claims.Actor(), nil
}
