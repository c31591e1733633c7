package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/changefeed"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/database"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/devices"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type testServer struct {
	handler    http.Handler
	token      string
	changefeed *changefeed.Service
	devices    *devices.Service
	realtime   *RealtimeDispatcher
}

func newTestServer(t *testing.T, maxBatchSize int) testServer {
	t.Helper()
	return newLimitedTestServer(t, maxBatchSize, 0)
}

func newLimitedTestServer(t *testing.T, maxBatchSize, maxPayloadBytes int) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	changefeedService, err := changefeed.NewService(changefeed.ServiceConfig{
		Database:   db,
		IDProvider: changefeed.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build changefeed service: %v", err)
	}
	deviceService, err := devices.NewService(devices.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build device service: %v", err)
	}
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "fieldsync-auth",
		Audience:      "fieldsync-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}
	token, _, err := tokenIssuer.IssueToken(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	realtime := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		TokenValidator:    tokenIssuer,
		Changefeed:        changefeedService,
		Devices:           deviceService,
		Realtime:          realtime,
		Logger:            zap.NewNop(),
		MaxBatchSize:      maxBatchSize,
		MaxPayloadBytes:   maxPayloadBytes,
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return testServer{
		handler:    handler,
		token:      token,
		changefeed: changefeedService,
		devices:    deviceService,
		realtime:   realtime,
	}
}

func (s testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	request := httptest.NewRequest(method, target, reader)
	request.Header.Set("Authorization", "Bearer "+s.token)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return value
}

func TestUploadThenPullRoundTrip(testContext *testing.T) {
	server := newTestServer(testContext, 0)

	upload := server.do(testContext, http.MethodPost, "/sync/upload",
		`[{"id":"m1","table":"notes","op":"insert","payload":{"id":"n1","body":"hello"},"clientTimestamp":"2026-10-01T10:00:00Z","deviceId":"tablet-1"}]`)
	if upload.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d: %s", upload.Code, upload.Body.String())
	}
	if upload.Body.String() != `{"acceptedIds":["m1"],"serverVersion":1}` {
		testContext.Fatalf("unexpected upload body: %s", upload.Body.String())
	}

	pull := server.do(testContext, http.MethodGet, "/sync/pull?since=0", "")
	if pull.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d: %s", pull.Code, pull.Body.String())
	}
	expected := `{"rows":[{"table":"notes","id":"n1","version":1,"op":"upsert","data":{"body":"hello"}}],"serverVersion":1,"hasMore":false}`
	if pull.Body.String() != expected {
		testContext.Fatalf("unexpected pull body: %s", pull.Body.String())
	}

	device, err := server.devices.Lookup(context.Background(), "tablet-1")
	if err != nil {
		testContext.Fatalf("expected uploading device to be recorded: %v", err)
	}
	if device.UserID != "user-1" {
		testContext.Fatalf("unexpected device owner %q", device.UserID)
	}
}

func TestUploadRejectsInvalidAndMalformedElements(testContext *testing.T) {
	server := newTestServer(testContext, 0)

	body := `[
		{"id":"m1","table":"notes","op":"insert","payload":{"id":"n1","body":"a"}},
		{"id":"m2","table":"notes","op":"insert","payload":{"id":"n2","body":"b"},"clientTimestamp":17},
		{"id":"m3","table":"payments","op":"insert","payload":{"id":"p1"}},
		42,
		{"id":"m4","table":"notes","op":"insert","payload":{"id":"n3","body":"c"}}
	]`
	upload := server.do(testContext, http.MethodPost, "/sync/upload", body)
	if upload.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d: %s", upload.Code, upload.Body.String())
	}

	response := decodeBody[protocol.UploadResponse](testContext, upload)
	expected := protocol.UploadResponse{
		AcceptedIDs:   []string{"m1", "m4"},
		ServerVersion: 2,
		Rejected: []protocol.RejectedMutation{
			{ID: "m2", Reason: protocol.ReasonMalformed},
			{ID: "m3", Reason: protocol.ReasonUnknownTable},
		},
	}
	if diff := cmp.Diff(expected, response); diff != "" {
		testContext.Fatalf("upload response mismatch (-want +got):\n%s", diff)
	}
}

func TestUploadRefusesOversizedBodies(testContext *testing.T) {
	server := newLimitedTestServer(testContext, 2, 64)

	oversized := `[{"id":"m1","table":"notes","op":"insert","payload":{"id":"n1","body":"` + strings.Repeat("x", 4096) + `"}}]`
	recorder := server.do(testContext, http.MethodPost, "/sync/upload", oversized)
	if recorder.Code != http.StatusRequestEntityTooLarge {
		testContext.Fatalf("expected 413, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if recorder.Body.String() != `{"error":"request_too_large","limit":2176}` {
		testContext.Fatalf("unexpected body: %s", recorder.Body.String())
	}
	version, err := server.changefeed.CurrentVersion(context.Background())
	if err != nil {
		testContext.Fatalf("failed to read server version: %v", err)
	}
	if version != 0 {
		testContext.Fatalf("oversized upload must not advance the version, got %d", version)
	}

	fits := `[{"id":"m2","table":"notes","op":"insert","payload":{"id":"n2","body":"short"}}]`
	if accepted := server.do(testContext, http.MethodPost, "/sync/upload", fits); accepted.Code != http.StatusOK {
		testContext.Fatalf("expected 200 for a body within the limit, got %d: %s", accepted.Code, accepted.Body.String())
	}
}

func TestUploadRecordsOnlyDevicesWithAcceptedMutations(testContext *testing.T) {
	server := newTestServer(testContext, 0)

	body := `[
		{"id":"m1","table":"notes","op":"insert","payload":{"id":"n1","body":"a"},"deviceId":"tablet-1"},
		{"id":"m2","table":"payments","op":"insert","payload":{"id":"p1"},"deviceId":"phone-9"}
	]`
	upload := server.do(testContext, http.MethodPost, "/sync/upload", body)
	if upload.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d: %s", upload.Code, upload.Body.String())
	}

	if _, err := server.devices.Lookup(context.Background(), "tablet-1"); err != nil {
		testContext.Fatalf("expected accepted device to be recorded: %v", err)
	}
	if _, err := server.devices.Lookup(context.Background(), "phone-9"); !errors.Is(err, devices.ErrDeviceNotFound) {
		testContext.Fatalf("device with only rejected mutations must not be registered, got %v", err)
	}
}

func TestUploadRequestValidation(testContext *testing.T) {
	server := newTestServer(testContext, 2)

	testCases := []struct {
		name     string
		body     string
		wantCode int
		wantBody string
	}{
		{name: "object-body", body: `{"id":"m1"}`, wantCode: http.StatusBadRequest, wantBody: `{"error":"invalid_request"}`},
		{name: "not-json", body: `not json`, wantCode: http.StatusBadRequest, wantBody: `{"error":"invalid_request"}`},
		{name: "too-large", body: `[{},{},{}]`, wantCode: http.StatusBadRequest, wantBody: `{"error":"batch_too_large","limit":2}`},
		{name: "empty-batch", body: `[]`, wantCode: http.StatusOK, wantBody: `{"acceptedIds":[],"serverVersion":0}`},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			recorder := server.do(t, http.MethodPost, "/sync/upload", testCase.body)
			if recorder.Code != testCase.wantCode {
				t.Fatalf("expected %d, got %d: %s", testCase.wantCode, recorder.Code, recorder.Body.String())
			}
			if recorder.Body.String() != testCase.wantBody {
				t.Fatalf("unexpected body: %s", recorder.Body.String())
			}
		})
	}
}

func TestPullRejectsInvalidQuery(testContext *testing.T) {
	server := newTestServer(testContext, 0)

	for _, target := range []string{"/sync/pull?since=-1", "/sync/pull?since=abc", "/sync/pull?since=0&limit=x"} {
		recorder := server.do(testContext, http.MethodGet, target, "")
		if recorder.Code != http.StatusBadRequest {
			testContext.Fatalf("%s: expected 400, got %d", target, recorder.Code)
		}
	}

	empty := server.do(testContext, http.MethodGet, "/sync/pull", "")
	if empty.Body.String() != `{"rows":[],"serverVersion":0,"hasMore":false}` {
		testContext.Fatalf("unexpected empty pull body: %s", empty.Body.String())
	}
}

func TestProtectedRoutesRequireBearerToken(testContext *testing.T) {
	server := newTestServer(testContext, 0)

	for _, token := range []string{"", "garbage"} {
		request := httptest.NewRequest(http.MethodGet, "/sync/pull?since=0", http.NoBody)
		if token != "" {
			request.Header.Set("Authorization", "Bearer "+token)
		}
		recorder := httptest.NewRecorder()
		server.handler.ServeHTTP(recorder, request)
		if recorder.Code != http.StatusUnauthorized {
			testContext.Fatalf("expected 401 for token %q, got %d", token, recorder.Code)
		}
		if recorder.Body.String() != `{"error":"unauthorized"}` {
			testContext.Fatalf("unexpected body: %s", recorder.Body.String())
		}
	}

	health := httptest.NewRecorder()
	server.handler.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	if health.Code != http.StatusOK {
		testContext.Fatalf("health endpoint must not require credentials, got %d", health.Code)
	}
}

func TestStatusReportsCounts(testContext *testing.T) {
	server := newTestServer(testContext, 0)
	server.do(testContext, http.MethodPost, "/sync/upload",
		`[{"id":"m1","table":"notes","op":"insert","payload":{"id":"n1","body":"a"}},{"id":"m2","table":"notes","op":"delete","payload":{"id":"n1"}}]`)

	recorder := server.do(testContext, http.MethodGet, "/sync/status", "")
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d", recorder.Code)
	}
	report := decodeBody[changefeed.StatusReport](testContext, recorder)
	if report.ServerVersion != 2 || report.Tombstones != 1 || report.Entities["notes"] != 0 {
		testContext.Fatalf("unexpected status report: %#v", report)
	}
}

func TestDeviceRegistrationRoutes(testContext *testing.T) {
	server := newTestServer(testContext, 0)

	registered := server.do(testContext, http.MethodPost, "/devices/register", `{"deviceId":"tablet-9","label":"Van 3"}`)
	if registered.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d: %s", registered.Code, registered.Body.String())
	}
	response := decodeBody[deviceResponse](testContext, registered)
	if response.DeviceID != "tablet-9" || response.UserID != "user-1" || response.Label != "Van 3" {
		testContext.Fatalf("unexpected registration: %#v", response)
	}

	found := server.do(testContext, http.MethodGet, "/devices/tablet-9", "")
	if found.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d", found.Code)
	}
	missing := server.do(testContext, http.MethodGet, "/devices/unknown", "")
	if missing.Code != http.StatusNotFound {
		testContext.Fatalf("expected 404, got %d", missing.Code)
	}
	invalid := server.do(testContext, http.MethodPost, "/devices/register", `{"deviceId":""}`)
	if invalid.Code != http.StatusBadRequest {
		testContext.Fatalf("expected 400, got %d", invalid.Code)
	}
}

func TestEventStreamPublishesAfterCommit(testContext *testing.T) {
	server := newTestServer(testContext, 0)
	httpServer := httptest.NewServer(server.handler)
	testContext.Cleanup(httpServer.Close)

	streamURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/sync/events"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+server.token)
	conn, _, err := websocket.DefaultDialer.Dial(streamURL, header)
	if err != nil {
		testContext.Fatalf("failed to dial event stream: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first protocol.ChangefeedEvent
	if err := conn.ReadJSON(&first); err != nil {
		testContext.Fatalf("failed to read initial event: %v", err)
	}
	if first.Type != protocol.EventHeartbeat || first.ServerVersion != 0 {
		testContext.Fatalf("unexpected initial event: %#v", first)
	}

	server.do(testContext, http.MethodPost, "/sync/upload",
		`[{"id":"m1","table":"intakes","op":"insert","payload":{"id":"k1","firstName":"Ada","lastName":"Lovelace","programId":"p1","consentSigned":true}}]`)

	var advanced protocol.ChangefeedEvent
	if err := conn.ReadJSON(&advanced); err != nil {
		testContext.Fatalf("failed to read changefeed event: %v", err)
	}
	expected := protocol.ChangefeedEvent{
		Type:          protocol.EventChangefeedAdvanced,
		ServerVersion: 1,
		Tables:        []string{"intakes"},
	}
	if diff := cmp.Diff(expected, advanced); diff != "" {
		testContext.Fatalf("event mismatch (-want +got):\n%s", diff)
	}
}

func TestEventStreamRejectsMissingCredentials(testContext *testing.T) {
	server := newTestServer(testContext, 0)
	httpServer := httptest.NewServer(server.handler)
	testContext.Cleanup(httpServer.Close)

	streamURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/sync/events"
	_, response, err := websocket.DefaultDialer.Dial(streamURL, nil)
	if err == nil {
		testContext.Fatalf("expected dial to fail without credentials")
	}
	if response == nil || response.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("expected 401 handshake response, got %#v", response)
	}
}

func TestNewHTTPHandlerRequiresDependencies(testContext *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		testContext.Fatalf("expected error without dependencies")
	}
}
