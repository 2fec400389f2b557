package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callbridge-server/pkg/callcontrol"
	"callbridge-server/pkg/session"
	"callbridge-server/pkg/signaling"
)

type stubLeg struct{ id string }

func (l *stubLeg) ID() string                                        { return l.id }
func (l *stubLeg) Direction() signaling.Direction                    { return signaling.DirectionOutbound }
func (l *stubLeg) RemoteNumber() string                              { return "" }
func (l *stubLeg) Headers() map[string][]string                      { return nil }
func (l *stubLeg) State() signaling.LegState                         { return signaling.LegStateRinging }
func (l *stubLeg) OnStateChange(func(signaling.LegState)) func()     { return func() {} }

type stubTransport struct {
	lastOpts signaling.InviteOptions
}

func (t *stubTransport) Invite(_ context.Context, _ string, opts signaling.InviteOptions) (signaling.Leg, error) {
	t.lastOpts = opts
	return &stubLeg{id: "out-1"}, nil
}
func (t *stubTransport) OnRing(func(signaling.Leg)) func() { return func() {} }

type stubTelephony struct{ id string }

func (s *stubTelephony) ID() string                                            { return s.id }
func (s *stubTelephony) PartyID() string                                       { return "" }
func (s *stubTelephony) Direction() string                                     { return "Outbound" }
func (s *stubTelephony) State() callcontrol.SessionState                       { return callcontrol.SessionStateProceeding }
func (s *stubTelephony) OnStateChange(func(callcontrol.SessionState)) func()   { return func() {} }

type stubCallControl struct {
	lastDeviceID string
}

func (c *stubCallControl) CreateCall(_ context.Context, deviceID string, _ callcontrol.CallParams) (callcontrol.Session, error) {
	c.lastDeviceID = deviceID
	return &stubTelephony{id: "ts-1"}, nil
}
func (c *stubCallControl) OnNewSession(func(callcontrol.Session)) func() { return func() {} }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	orch := session.NewOrchestrator(logger, &stubTransport{}, &stubCallControl{})
	return NewServer(logger, DefaultConfig(), orch)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["active_sessions"])
}

func TestPlaceCallAndListSessions(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/calls",
		strings.NewReader(`{"toNumber":"16505550100","type":"webphone"}`))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var created sessionSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "signaling", created.Origin)
	assert.Equal(t, "ringing", created.State)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Count    int              `json:"count"`
		Sessions []sessionSummary `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Equal(t, 1, listing.Count)
	assert.Equal(t, created.ID, listing.Sessions[0].ID)
}

func TestPlaceCallAppliesConfiguredDefaults(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	transport := &stubTransport{}
	cc := &stubCallControl{}
	orch := session.NewOrchestrator(logger, transport, cc)

	cfg := DefaultConfig()
	cfg.DefaultFromNumber = "+16505550111"
	cfg.DefaultDeviceID = "dev-42"
	cfg.HomeCountryID = "44"
	srv := NewServer(logger, cfg, orch)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/calls",
		strings.NewReader(`{"toNumber":"16505550100","type":"webphone"}`))
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "+16505550111", transport.lastOpts.FromNumber)
	assert.Equal(t, "44", transport.lastOpts.HomeCountryID)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/calls",
		strings.NewReader(`{"toNumber":"16505550100","type":"callControl"}`))
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "dev-42", cc.lastDeviceID)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/calls",
		strings.NewReader(`{"toNumber":"16505550100","type":"callControl","deviceId":"dev-override"}`))
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "dev-override", cc.lastDeviceID)
}

func TestPlaceCallValidation(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/calls",
		strings.NewReader(`{"type":"webphone"}`))
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "empty destination is rejected")

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/calls", strings.NewReader(`{not json`))
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/calls", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
