package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-go-flasher/pkg/config"
)

func TestHandler(t *testing.T) {
	fm := NewFlasherMetrics()
	fm.RecordRequest(nil)
	h := NewHandler(fm.Registry(), HandlerConfig{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", DefaultPath, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), `mcu_flasher_requests_total{result="ok"} 1`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", DefaultPath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandlerBasicAuth(t *testing.T) {
	h := NewHandler(NewRegistry(), HandlerConfig{Username: "prom", Password: "secret"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", DefaultPath, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest("GET", DefaultPath, nil)
	req.SetBasicAuth("prom", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest("GET", DefaultPath, nil)
	req.SetBasicAuth("prom", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoadHandlerConfig(t *testing.T) {
	cfg, err := config.LoadString("")
	require.NoError(t, err)
	hc, err := LoadHandlerConfig(cfg)
	require.NoError(t, err)
	assert.True(t, hc.Enabled)
	assert.Equal(t, DefaultPath, hc.Path)

	cfg, err = config.LoadString("[metrics]\nenabled: false\nusername: prom\npassword: secret\n")
	require.NoError(t, err)
	hc, err = LoadHandlerConfig(cfg)
	require.NoError(t, err)
	assert.False(t, hc.Enabled)
	assert.Equal(t, "prom", hc.Username)
	assert.Equal(t, "secret", hc.Password)

	cfg, err = config.LoadString("[metrics]\npath: metrics\n")
	require.NoError(t, err)
	_, err = LoadHandlerConfig(cfg)
	assert.Error(t, err)
}
