package router_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadkeep/threadkeep/engine/auth"
	"github.com/threadkeep/threadkeep/engine/authz"
	"github.com/threadkeep/threadkeep/engine/conversation/convtest"
	convrouter "github.com/threadkeep/threadkeep/engine/conversation/router"
	"github.com/threadkeep/threadkeep/engine/conversation/uc"
	"github.com/threadkeep/threadkeep/engine/memcache"
	"github.com/threadkeep/threadkeep/engine/memsync"
	"github.com/threadkeep/threadkeep/engine/recorder"
	recrouter "github.com/threadkeep/threadkeep/engine/recorder/router"
	"github.com/threadkeep/threadkeep/engine/vector"
)

func testActor(c *gin.Context) {
	actor := &auth.Actor{
		UserID:   c.GetHeader("X-Test-User"),
		ClientID: c.GetHeader("X-Test-Client"),
	}
	if actor.UserID != "" || actor.ClientID != "" {
		ctx := auth.ContextWithActor(c.Request.Context(), actor)
		c.Request = c.Request.WithContext(ctx)
	}
	c.Next()
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	bundle := convtest.New().Bundle()
	az := authz.NewEngine(bundle.Memberships, false)
	opts := &uc.Options{
		Store:  bundle,
		Authz:  az,
		Cache:  memcache.Noop{},
		Vector: vector.NewMemory(),
	}
	engine := gin.New()
	engine.Use(testActor)
	v1 := engine.Group("/v1")
	convrouter.New(opts, memsync.NewService(bundle, az, memcache.Noop{})).Register(v1)
	recrouter.New(opts, recorder.NewRegistry()).Register(v1)
	return engine
}

func do(t *testing.T, engine *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func asAlice() map[string]string { return map[string]string{"X-Test-User": "alice"} }

func createConv(t *testing.T, engine *gin.Engine) string {
	t.Helper()
	rec := do(t, engine, http.MethodPost, "/v1/conversations", map[string]any{}, asAlice())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode(t, rec)["id"].(string)
}

func TestRecordRoute(t *testing.T) {
	t.Run("Should record and replay a completed stream", func(t *testing.T) {
		engine := newTestRouter(t)
		id := createConv(t, engine)
		rec := do(t, engine, http.MethodPost, "/v1/conversations/"+id+"/record",
			map[string]any{"tokens": []string{"Hel", "lo"}, "complete": true}, asAlice())
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		out := decode(t, rec)
		assert.Equal(t, float64(2), out["recorded"])
		assert.Equal(t, false, out["cancelRequested"])
		rec = do(t, engine, http.MethodGet, "/v1/conversations/"+id+"/resume", nil, asAlice())
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := rec.Body.String()
		assert.Contains(t, body, "Hel")
		assert.Contains(t, body, "done")
	})
	t.Run("Should append across calls before completion", func(t *testing.T) {
		engine := newTestRouter(t)
		id := createConv(t, engine)
		rec := do(t, engine, http.MethodPost, "/v1/conversations/"+id+"/record",
			map[string]any{"tokens": []string{"a"}}, asAlice())
		require.Equal(t, http.StatusOK, rec.Code)
		rec = do(t, engine, http.MethodPost, "/v1/conversations/"+id+"/record",
			map[string]any{"tokens": []string{"b"}, "complete": true}, asAlice())
		require.Equal(t, http.StatusOK, rec.Code)
		rec = do(t, engine, http.MethodGet, "/v1/conversations/"+id+"/resume?from=1", nil, asAlice())
		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.NotContains(t, body, `"a"`)
		assert.Contains(t, body, `"b"`)
	})
	t.Run("Should deny recording to readers", func(t *testing.T) {
		engine := newTestRouter(t)
		id := createConv(t, engine)
		rec := do(t, engine, http.MethodPost, "/v1/conversations/"+id+"/memberships",
			map[string]any{"userId": "bob", "accessLevel": "READER"}, asAlice())
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		rec = do(t, engine, http.MethodPost, "/v1/conversations/"+id+"/record",
			map[string]any{"tokens": []string{"x"}}, map[string]string{"X-Test-User": "bob"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
	t.Run("Should surface a cancel request to the producer", func(t *testing.T) {
		engine := newTestRouter(t)
		id := createConv(t, engine)
		rec := do(t, engine, http.MethodPost, "/v1/conversations/"+id+"/record",
			map[string]any{"tokens": []string{"a"}}, asAlice())
		require.Equal(t, http.StatusOK, rec.Code)
		rec = do(t, engine, http.MethodPost, "/v1/conversations/"+id+"/cancel", nil, asAlice())
		require.Equal(t, http.StatusNoContent, rec.Code)
		rec = do(t, engine, http.MethodPost, "/v1/conversations/"+id+"/record",
			map[string]any{"tokens": []string{"b"}}, asAlice())
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, decode(t, rec)["cancelRequested"])
	})
	t.Run("Should reject an empty record request", func(t *testing.T) {
		engine := newTestRouter(t)
		id := createConv(t, engine)
		rec := do(t, engine, http.MethodPost, "/v1/conversations/"+id+"/record",
			map[string]any{}, asAlice())
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("Should list only visible in-progress streams on resume-check", func(t *testing.T) {
		engine := newTestRouter(t)
		id := createConv(t, engine)
		rec := do(t, engine, http.MethodPost, "/v1/conversations/"+id+"/record",
			map[string]any{"tokens": []string{"a"}}, asAlice())
		require.Equal(t, http.StatusOK, rec.Code)
		rec = do(t, engine, http.MethodPost, "/v1/conversations/resume-check",
			[]string{id}, asAlice())
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Len(t, decode(t, rec)["data"].([]any), 1)
		rec = do(t, engine, http.MethodPost, "/v1/conversations/resume-check",
			[]string{id}, map[string]string{"X-Test-User": "mallory"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, decode(t, rec)["data"])
	})
}
