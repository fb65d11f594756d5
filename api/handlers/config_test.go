package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/BaSui01/queenbee/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func noEnv(string) (string, bool) { return "", false }

func newConfigHandler(t *testing.T) (*ConfigHandler, *config.HotReloadManager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queenbee.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644))

	loader := config.NewLoader().WithConfigPath(path).WithEnvLookup(noEnv)
	cfg, err := loader.Load()
	require.NoError(t, err)
	cfg.Server.JWTSecret = "super-secret"

	m := config.NewHotReloadManager(cfg, loader)
	return NewConfigHandler(m, zap.NewNop()), m, path
}

func TestConfigHandler_RequiresAdmin(t *testing.T) {
	h, _, _ := newConfigHandler(t)

	for name, fn := range map[string]http.HandlerFunc{
		"get":     h.HandleGet,
		"changes": h.HandleChanges,
		"reload":  h.HandleReload,
	} {
		w := httptest.NewRecorder()
		fn(w, asViewer(httptest.NewRequest(http.MethodGet, "/v1/config", nil), "bob"))
		assert.Equal(t, http.StatusForbidden, w.Code, name)
	}
}

func TestConfigHandler_GetIsSanitized(t *testing.T) {
	h, _, _ := newConfigHandler(t)

	w := httptest.NewRecorder()
	h.HandleGet(w, asAdmin(httptest.NewRequest(http.MethodGet, "/v1/config", nil), "ops"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "super-secret")

	var resp struct {
		Data configData `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Data.Version)
	assert.Equal(t, "[REDACTED]", resp.Data.Config["server"].(map[string]any)["jwt_secret"])
}

func TestConfigHandler_Reload(t *testing.T) {
	h, m, path := newConfigHandler(t)

	// 非法阈值被拒绝，版本不变
	require.NoError(t, os.WriteFile(path, []byte("decision:\n  slippage_bound: 5\n"), 0o644))
	w := httptest.NewRecorder()
	h.HandleReload(w, asAdmin(httptest.NewRequest(http.MethodPost, "/v1/config/reload", nil), "ops"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 1, m.Version())

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o644))
	w = httptest.NewRecorder()
	h.HandleReload(w, asAdmin(httptest.NewRequest(http.MethodPost, "/v1/config/reload", nil), "ops"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, m.Version())

	w = httptest.NewRecorder()
	h.HandleChanges(w, asAdmin(httptest.NewRequest(http.MethodGet, "/v1/config/changes?limit=10", nil), "ops"))
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data configData `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotEmpty(t, resp.Data.Changes)
	paths := make([]string, 0, len(resp.Data.Changes))
	for _, c := range resp.Data.Changes {
		paths = append(paths, c.Path)
	}
	assert.Contains(t, paths, "Log.Level")
}
