package httpmw

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeharbor/codeharbor/internal/common/logger"
)

func TestRequestLoggerFields(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logPath := filepath.Join(t.TempDir(), "requests.log")
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "json", OutputPath: logPath})
	require.NoError(t, err)

	router := gin.New()
	router.Use(RequestLogger(log, "codeharbor"))
	router.GET("/api/sessions/:sessionId/events", func(c *gin.Context) {
		c.Status(http.StatusNotFound)
	})
	router.GET("/api/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, []string{})
	})

	for _, path := range []string{"/api/sessions/s1/events", "/api/sessions"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	_ = log.Zap().Sync()

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	// Client errors log at warn and carry the session id from the route.
	var warn map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &warn))
	assert.Equal(t, "warn", warn["level"])
	assert.Equal(t, "request", warn["msg"])
	assert.Equal(t, "codeharbor", warn["service"])
	assert.Equal(t, "/api/sessions/:sessionId/events", warn["route"])
	assert.Equal(t, "s1", warn["session_id"])
	assert.Equal(t, float64(http.StatusNotFound), warn["status"])

	var debug map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &debug))
	assert.Equal(t, "debug", debug["level"])
	assert.Equal(t, "GET", debug["method"])
	assert.NotContains(t, debug, "session_id")
}

func TestOtelTracingPassthrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(OtelTracing("codeharbor"))
	router.GET("/api/sessions/:sessionId", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": c.Param("sessionId")})
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions/s1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"s1"}`, w.Body.String())
}
