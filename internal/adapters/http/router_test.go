package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dkeye/Stream/internal/app"
	"github.com/dkeye/Stream/internal/config"
	"github.com/dkeye/Stream/internal/domain"
	"github.com/dkeye/Stream/internal/metrics"
	"github.com/dkeye/Stream/pkg/protocol"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSignal struct {
	hits  int
	token string
}

func (s *stubSignal) HandleSignal(_ context.Context, c *gin.Context) {
	s.hits++
	s.token = c.GetString(clientTokenKey)
	c.Status(http.StatusSwitchingProtocols)
}

func (s *stubSignal) ProducerInfos() []protocol.ProducerInfo {
	return []protocol.ProducerInfo{{ID: "P1", Kind: "video", StreamID: "A"}}
}

func newTestRouter(t *testing.T) (*gin.Engine, *stubSignal, *app.Directory) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := app.NewDirectory(nil)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, dir.Stats)
	m.Request(protocol.TypePing, "")
	sig := &stubSignal{}
	cfg := &config.Config{Mode: "test", Secret: "test-secret"}
	return SetupRouter(context.Background(), cfg, Deps{Signal: sig, Directory: dir, Gatherer: reg}), sig, dir
}

func TestHealthReportsDirectory(t *testing.T) {
	r, _, dir := newTestRouter(t)
	require.NoError(t, dir.AddConnection(domain.ConnectionID("A")))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["connections"])
}

func TestProducersSnapshot(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/producers", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var list []protocol.ProducerInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "P1", list[0].ID)
}

func TestSignalEndpointGetsClientToken(t *testing.T) {
	r, sig, _ := newTestRouter(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/ws/signal", nil))

	assert.Equal(t, 1, sig.hits)
	assert.NotEmpty(t, sig.token)
	assert.Contains(t, w.Header().Get("Set-Cookie"), "StreamSessions=")
}

func TestClientTokenSticks(t *testing.T) {
	r, sig, _ := newTestRouter(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/ws/signal", nil))
	first := sig.token

	req := httptest.NewRequest(http.MethodGet, "/api/ws/signal", nil)
	for _, c := range w.Result().Cookies() {
		req.AddCookie(c)
	}
	r.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, first, sig.token)
}

func TestMetricsEndpoint(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "stream_signal_requests_total"), body)
	assert.Contains(t, body, "stream_connections")
}
