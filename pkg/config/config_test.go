package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestFromViperDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	cfg := fromViper(v)

	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, "/api/v1", cfg.APIPrefix)
	assert.Equal(t, 5*time.Second, cfg.Database.QueryTimeout)
	assert.Equal(t, int64(20*1024*1024), cfg.Workflow.MaxUploadBytes)
	assert.Equal(t, 5000, cfg.Workflow.MaxRows)
	assert.True(t, cfg.Exports.Enabled)
	assert.Equal(t, 30*time.Minute, cfg.Exports.SignedURLTTL)
	assert.Equal(t, 2, cfg.Audit.Workers)
	assert.Nil(t, cfg.CORS.AllowedOrigins)
}

func TestFromViperOverrides(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("ALLOWED_ORIGINS", "https://grd.example.org, ,https://admin.example.org")
	v.Set("EXPORTS_SIGNED_URL_TTL", "not-a-duration")
	v.Set("GRD_MAX_UPLOAD_BYTES", 0)

	cfg := fromViper(v)

	assert.Equal(t, []string{"https://grd.example.org", "https://admin.example.org"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, 30*time.Minute, cfg.Exports.SignedURLTTL)
	assert.Equal(t, int64(20*1024*1024), cfg.Workflow.MaxUploadBytes)
}
