package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/grd-workflow-api/internal/models"
	"github.com/noah-isme/grd-workflow-api/internal/service"
	appErrors "github.com/noah-isme/grd-workflow-api/pkg/errors"
)

type fakeEpisodeSrv struct {
	episodeID string
	fields    map[string]json.RawMessage
	err       error
}

func (f *fakeEpisodeSrv) Get(_ context.Context, episodeID string) (*models.GrdRow, error) {
	f.episodeID = episodeID
	if f.err != nil {
		return nil, f.err
	}
	return &models.GrdRow{EpisodeID: episodeID}, nil
}

func (f *fakeEpisodeSrv) Permissions(_ context.Context, episodeID string, role models.UserRole) (*service.EpisodePermissions, error) {
	f.episodeID = episodeID
	return &service.EpisodePermissions{EpisodeID: episodeID, WritableFields: []string{"AT", "AT_detalle"}}, nil
}

func (f *fakeEpisodeSrv) UpdateFields(_ context.Context, _ models.Actor, episodeID string, fields map[string]json.RawMessage) (*models.GrdRow, error) {
	f.episodeID = episodeID
	f.fields = fields
	if f.err != nil {
		return nil, f.err
	}
	return &models.GrdRow{EpisodeID: episodeID}, nil
}

func TestEpisodeHandlerUpdatePassesRawFields(t *testing.T) {
	srv := &fakeEpisodeSrv{}
	h := NewEpisodeHandler(srv)
	c, rec := newTestContext(http.MethodPatch, "/episodes/1001", strings.NewReader(`{"fields":{"AT":true,"AT_detalle":null}}`))
	c.Params = gin.Params{{Key: "episodeId", Value: "1001"}}
	withActor(c, "u-enc", models.RoleEncoder)

	h.Update(c)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1001", srv.episodeID)
	assert.Equal(t, json.RawMessage(`true`), srv.fields["AT"])
	assert.Equal(t, json.RawMessage(`null`), srv.fields["AT_detalle"])
}

func TestEpisodeHandlerUpdateForbidden(t *testing.T) {
	srv := &fakeEpisodeSrv{err: appErrors.WithDetails(appErrors.ErrForbidden, map[string]interface{}{
		"rejectedFields": []string{"AT_detalle"},
	})}
	h := NewEpisodeHandler(srv)
	c, rec := newTestContext(http.MethodPatch, "/episodes/1001", strings.NewReader(`{"fields":{"AT_detalle":"x"}}`))
	c.Params = gin.Params{{Key: "episodeId", Value: "1001"}}
	withActor(c, "u-fin", models.RoleFinance)

	h.Update(c)

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, []interface{}{"AT_detalle"}, decodeEnvelope(t, rec).Error.Details["rejectedFields"])
}

func TestEpisodeHandlerUpdateRejectsMalformedBody(t *testing.T) {
	srv := &fakeEpisodeSrv{}
	h := NewEpisodeHandler(srv)
	c, rec := newTestContext(http.MethodPatch, "/episodes/1001", strings.NewReader(`{"fields":`))
	c.Params = gin.Params{{Key: "episodeId", Value: "1001"}}
	withActor(c, "u-enc", models.RoleEncoder)

	h.Update(c)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Empty(t, srv.episodeID)
}

func TestEpisodeHandlerGetAndPermissions(t *testing.T) {
	srv := &fakeEpisodeSrv{}
	h := NewEpisodeHandler(srv)

	c, rec := newTestContext(http.MethodGet, "/episodes/1001", nil)
	c.Params = gin.Params{{Key: "episodeId", Value: "1001"}}
	h.Get(c)
	assert.Equal(t, http.StatusOK, rec.Code)

	c, rec = newTestContext(http.MethodGet, "/episodes/1001/permissions", nil)
	c.Params = gin.Params{{Key: "episodeId", Value: "1001"}}
	withActor(c, "u-enc", models.RoleEncoder)
	h.Permissions(c)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["AT","AT_detalle"]`, string(mustField(t, decodeEnvelope(t, rec).Data, "writableFields")))
}

func TestEpisodeHandlerGetNotFound(t *testing.T) {
	h := NewEpisodeHandler(&fakeEpisodeSrv{err: appErrors.ErrNotFound})
	c, rec := newTestContext(http.MethodGet, "/episodes/9", nil)
	c.Params = gin.Params{{Key: "episodeId", Value: "9"}}

	h.Get(c)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
