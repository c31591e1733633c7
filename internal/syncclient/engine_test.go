package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/changefeed"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/database"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/devices"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/localstore"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type syncServer struct {
	url        string
	token      string
	changefeed *changefeed.Service
	realtime   *server.RealtimeDispatcher
}

func newSyncServer(t *testing.T, maxBatchSize int) syncServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	changefeedService, err := changefeed.NewService(changefeed.ServiceConfig{
		Database:   db,
		IDProvider: changefeed.NewUUIDProvider(),
	})
	require.NoError(t, err)
	deviceService, err := devices.NewService(devices.ServiceConfig{Database: db})
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("client-test-secret"),
		Issuer:        "fieldsync-auth",
		Audience:      "fieldsync-api",
		TokenTTL:      time.Hour,
	})
	require.NoError(t, err)
	token, _, err := issuer.IssueToken(context.Background(), "worker-7")
	require.NoError(t, err)

	realtime := server.NewRealtimeDispatcher()
	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator:    issuer,
		Changefeed:        changefeedService,
		Devices:           deviceService,
		Realtime:          realtime,
		Logger:            zap.NewNop(),
		MaxBatchSize:      maxBatchSize,
		HeartbeatInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)
	return syncServer{url: httpServer.URL, token: token, changefeed: changefeedService, realtime: realtime}
}

type testClient struct {
	store     *localstore.Store
	transport *HTTPTransport
	engine    *Engine
}

func newTestClient(t *testing.T, srv syncServer, configure func(*EngineConfig)) testClient {
	t.Helper()
	store, err := localstore.Open(context.Background(), filepath.Join(t.TempDir(), "client.db"), localstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	transport, err := NewHTTPTransport(srv.url, nil, StaticToken(srv.token))
	require.NoError(t, err)

	cfg := EngineConfig{Store: store, Transport: transport}
	if configure != nil {
		configure(&cfg)
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	return testClient{store: store, transport: transport, engine: engine}
}

func (c testClient) enqueue(t *testing.T, op, payload string) string {
	t.Helper()
	record, err := c.store.Enqueue(context.Background(), localstore.MutationInput{
		Table:   "notes",
		Op:      op,
		Payload: json.RawMessage(payload),
	})
	require.NoError(t, err)
	return record.ID
}

func TestEngineConvergesTwoDevices(t *testing.T) {
	ctx := context.Background()
	srv := newSyncServer(t, 0)
	writer := newTestClient(t, srv, nil)
	reader := newTestClient(t, srv, nil)

	writer.enqueue(t, "insert", `{"id":"n1","body":"hello"}`)
	report, err := writer.engine.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Uploaded)
	require.Equal(t, 1, report.Accepted)
	require.Equal(t, int64(1), report.Cursor)
	require.Equal(t, 1, report.Pulled, "the writer receives its own committed row")

	pending, err := writer.store.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)

	report, err = reader.engine.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, report.Uploaded)
	require.Equal(t, 1, report.Pulled)

	entity, err := reader.store.GetEntity(ctx, protocol.TableNotes, "n1")
	require.NoError(t, err)
	require.Equal(t, int64(1), entity.Version)
	require.JSONEq(t, `{"body":"hello"}`, string(entity.Data))

	writer.enqueue(t, "update", `{"id":"n1","body":"edited"}`)
	writer.enqueue(t, "delete", `{"id":"n1"}`)
	_, err = writer.engine.Sync(ctx)
	require.NoError(t, err)

	report, err = reader.engine.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), report.Cursor)
	_, err = reader.store.GetEntity(ctx, protocol.TableNotes, "n1")
	require.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestEngineRecordsServerRejections(t *testing.T) {
	ctx := context.Background()
	srv := newSyncServer(t, 0)
	client := newTestClient(t, srv, nil)

	good := client.enqueue(t, "insert", `{"id":"n1","body":"ok"}`)
	bad := client.enqueue(t, "insert", `{"id":"n2"}`)
	after := client.enqueue(t, "insert", `{"id":"n3","body":"still applied"}`)

	report, err := client.engine.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, report.Uploaded)
	require.Equal(t, 2, report.Accepted)
	require.Equal(t, []string{bad}, report.Rejected)

	rejected, err := client.store.ListRejected(ctx)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	require.Equal(t, bad, rejected[0].ID)
	require.Equal(t, protocol.ReasonInvalidPayload, rejected[0].RejectReason)

	for _, id := range []string{"n1", "n3"} {
		_, err := client.store.GetEntity(ctx, protocol.TableNotes, id)
		require.NoError(t, err, "entity %s from mutations %s/%s", id, good, after)
	}
}

func TestEngineResendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	srv := newSyncServer(t, 0)
	client := newTestClient(t, srv, nil)

	client.enqueue(t, "insert", `{"id":"n1","body":"hello"}`)
	batch, err := client.store.ListPending(ctx, 10)
	require.NoError(t, err)

	// A lost acknowledgment: the server applied the batch but the client never heard back.
	_, err = client.transport.Upload(ctx, []protocol.Mutation{batch[0].Wire()})
	require.NoError(t, err)

	report, err := client.engine.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Accepted)
	require.Equal(t, int64(1), report.Cursor)

	status, err := srv.changefeed.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), status.ServerVersion)
}

func TestEngineFollowsServerBatchLimit(t *testing.T) {
	ctx := context.Background()
	srv := newSyncServer(t, 2)
	client := newTestClient(t, srv, func(cfg *EngineConfig) { cfg.BatchSize = 5 })

	for index := 0; index < 5; index++ {
		client.enqueue(t, "insert", fmt.Sprintf(`{"id":"n%d","body":"x"}`, index))
	}
	report, err := client.engine.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, report.Accepted)
	require.Equal(t, int64(5), report.Cursor)

	pending, err := client.store.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestEnginePullsEveryPage(t *testing.T) {
	ctx := context.Background()
	srv := newSyncServer(t, 0)
	writer := newTestClient(t, srv, nil)
	reader := newTestClient(t, srv, func(cfg *EngineConfig) { cfg.PullPageSize = 2 })

	for index := 0; index < 5; index++ {
		writer.enqueue(t, "insert", fmt.Sprintf(`{"id":"n%d","body":"x"}`, index))
	}
	_, err := writer.engine.Sync(ctx)
	require.NoError(t, err)

	report, err := reader.engine.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, report.Pulled)
	require.Equal(t, int64(5), report.Cursor)

	entities, err := reader.store.ListEntities(ctx, protocol.TableNotes)
	require.NoError(t, err)
	versions := make([]int64, 0, len(entities))
	for _, entity := range entities {
		versions = append(versions, entity.Version)
	}
	if diff := cmp.Diff([]int64{1, 2, 3, 4, 5}, versions); diff != "" {
		t.Fatalf("unexpected cached versions (-want +got):\n%s", diff)
	}
}

func TestEngineDoesNothingOffline(t *testing.T) {
	ctx := context.Background()
	srv := newSyncServer(t, 0)
	client := newTestClient(t, srv, func(cfg *EngineConfig) {
		cfg.Online = func() bool { return false }
	})
	client.enqueue(t, "insert", `{"id":"n1","body":"hello"}`)

	_, err := client.engine.Sync(ctx)
	require.ErrorIs(t, err, ErrOffline)

	pending, err := client.store.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, protocol.SyncStatePending, pending[0].SyncState)
}

func TestEngineAbortsOnRefusedCredentials(t *testing.T) {
	ctx := context.Background()
	srv := newSyncServer(t, 0)
	srv.token = "not-a-token"

	var authFailures atomic.Int32
	client := newTestClient(t, srv, func(cfg *EngineConfig) {
		cfg.OnAuthFailure = func(error) { authFailures.Add(1) }
	})
	client.enqueue(t, "insert", `{"id":"n1","body":"hello"}`)

	_, err := client.engine.Sync(ctx)
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Equal(t, int32(1), authFailures.Load())

	pending, err := client.store.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), pending, "an aborted cycle keeps the queue intact")
	rejected, err := client.store.ListRejected(ctx)
	require.NoError(t, err)
	require.Empty(t, rejected)
}

// flakyPullTransport fails the first Pull with a transient error and then delegates.
type flakyPullTransport struct {
	Transport
	failed atomic.Bool
}

func (f *flakyPullTransport) Pull(ctx context.Context, since int64, limit int) (protocol.PullResponse, error) {
	if f.failed.CompareAndSwap(false, true) {
		return protocol.PullResponse{}, fmt.Errorf("%w: connection reset", ErrTransient)
	}
	return f.Transport.Pull(ctx, since, limit)
}

func TestEngineRecoversFromFailedPullAfterUpload(t *testing.T) {
	ctx := context.Background()
	srv := newSyncServer(t, 0)
	var flaky *flakyPullTransport
	client := newTestClient(t, srv, func(cfg *EngineConfig) {
		flaky = &flakyPullTransport{Transport: cfg.Transport}
		cfg.Transport = flaky
	})

	client.enqueue(t, "insert", `{"id":"n1","body":"hello"}`)
	client.enqueue(t, "update", `{"id":"n1","body":"hello world"}`)

	_, err := client.engine.Sync(ctx)
	require.ErrorIs(t, err, ErrTransient)
	require.True(t, flaky.failed.Load())

	report, err := client.engine.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, report.Uploaded, "acknowledged mutations are not resent")
	require.Equal(t, int64(2), report.Cursor)

	pending, err := client.store.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)

	serverVersion, err := srv.changefeed.CurrentVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), serverVersion)

	entity, err := client.store.GetEntity(ctx, protocol.TableNotes, "n1")
	require.NoError(t, err)
	require.Equal(t, int64(2), entity.Version)
	require.JSONEq(t, `{"body":"hello world"}`, string(entity.Data))
}

type blockingTransport struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingTransport) Upload(ctx context.Context, mutations []protocol.Mutation) (protocol.UploadResponse, error) {
	return protocol.UploadResponse{}, nil
}

func (b *blockingTransport) Pull(ctx context.Context, since int64, limit int) (protocol.PullResponse, error) {
	close(b.entered)
	<-b.release
	return protocol.PullResponse{Rows: []protocol.Row{}}, nil
}

func TestEngineAllowsOneCycleAtATime(t *testing.T) {
	ctx := context.Background()
	store, err := localstore.Open(ctx, filepath.Join(t.TempDir(), "client.db"), localstore.Options{})
	require.NoError(t, err)
	defer store.Close()

	transport := &blockingTransport{entered: make(chan struct{}), release: make(chan struct{})}
	engine, err := NewEngine(EngineConfig{Store: store, Transport: transport})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := engine.Sync(ctx)
		done <- err
	}()
	<-transport.entered

	_, err = engine.Sync(ctx)
	require.ErrorIs(t, err, ErrSyncInProgress)

	// Local writes proceed while a cycle is in flight.
	_, err = store.Enqueue(ctx, localstore.MutationInput{Table: "notes", Op: "insert", Payload: json.RawMessage(`{"id":"n1","body":"x"}`)})
	require.NoError(t, err)

	close(transport.release)
	require.NoError(t, <-done)
}

func TestTransportClassifiesFailures(t *testing.T) {
	ctx := context.Background()
	testCases := []struct {
		name   string
		status int
		body   string
		want   error
		code   string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: `{"error":"internal"}`, want: ErrTransient, code: "internal"},
		{name: "throttled", status: http.StatusTooManyRequests, want: ErrTransient},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"error":"unauthorized"}`, want: ErrUnauthorized, code: "unauthorized"},
		{name: "forbidden", status: http.StatusForbidden, want: ErrUnauthorized},
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":"batch_too_large","limit":2}`, want: ErrRequestRejected, code: codeBatchTooLarge},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(testCase.status)
				_, _ = w.Write([]byte(testCase.body))
			}))
			defer stub.Close()

			transport, err := NewHTTPTransport(stub.URL, nil, nil)
			require.NoError(t, err)
			_, err = transport.Upload(ctx, nil)
			require.ErrorIs(t, err, testCase.want)

			var requestErr *RequestError
			require.ErrorAs(t, err, &requestErr)
			require.Equal(t, testCase.status, requestErr.Status)
			require.Equal(t, testCase.code, requestErr.Code)
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		stub := httptest.NewServer(http.NotFoundHandler())
		address := stub.URL
		stub.Close()

		transport, err := NewHTTPTransport(address, nil, nil)
		require.NoError(t, err)
		_, err = transport.Pull(ctx, 0, 10)
		require.ErrorIs(t, err, ErrTransient)
		require.ErrorIs(t, transport.Health(ctx), ErrTransient)
	})
}

func TestTransportSendsBearerAndQuery(t *testing.T) {
	requests := make(chan *http.Request, 1)
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- r.Clone(context.Background())
		_, _ = w.Write([]byte(`{"rows":[],"serverVersion":7,"hasMore":false}`))
	}))
	defer stub.Close()

	transport, err := NewHTTPTransport(stub.URL+"/", nil, StaticToken("abc"))
	require.NoError(t, err)
	response, err := transport.Pull(context.Background(), 4, 50)
	require.NoError(t, err)
	require.Equal(t, int64(7), response.ServerVersion)

	seen := <-requests
	require.Equal(t, "Bearer abc", seen.Header.Get("Authorization"))
	require.Equal(t, "/sync/pull", seen.URL.Path)
	require.Equal(t, "4", seen.URL.Query().Get("since"))
	require.Equal(t, "50", seen.URL.Query().Get("limit"))
	require.Equal(t, "ws"+stub.URL[len("http"):]+"/sync/events", transport.EventsURL())

	_, err = NewHTTPTransport("not a url", nil, nil)
	require.Error(t, err)
}
