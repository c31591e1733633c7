package syncclient

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/localstore"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/protocol"
	"go.uber.org/zap"
)

const (
	defaultBatchSize    = 100
	defaultPullPageSize = 500
)

// ErrSyncInProgress is returned when a sync cycle is already running.
var ErrSyncInProgress = errors.New("syncclient: sync already in progress")

// Store is the local durable state the engine drives.
type Store interface {
	ListPending(ctx context.Context, limit int) ([]localstore.Record, error)
	MarkSubmitted(ctx context.Context, ids []string) error
	RecordUpload(ctx context.Context, outcome localstore.UploadOutcome) ([]string, error)
	Cursor(ctx context.Context) (int64, error)
	ApplyPull(ctx context.Context, rows []protocol.Row, serverVersion int64) (localstore.PullResult, error)
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	Store         Store
	Transport     Transport
	Online        func() bool
	OnAuthFailure func(error)
	BatchSize     int
	PullPageSize  int
	Logger        *zap.Logger
}

// CycleReport summarizes one sync cycle.
type CycleReport struct {
	Rounds   int
	Uploaded int
	Accepted int
	Rejected []string
	Pulled   int
	Cursor   int64
}

// Engine drains the local mutation queue to the server and refreshes the local cache from the
// changefeed. Only one cycle runs at a time.
type Engine struct {
	store         Store
	transport     Transport
	online        func() bool
	onAuthFailure func(error)
	pullPageSize  int
	logger        *zap.Logger

	running   sync.Mutex
	batchSize int
}

// NewEngine validates the configuration and builds an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("syncclient: store is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("syncclient: transport is required")
	}
	online := cfg.Online
	if online == nil {
		online = func() bool { return true }
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	pullPageSize := cfg.PullPageSize
	if pullPageSize <= 0 {
		pullPageSize = defaultPullPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:         cfg.Store,
		transport:     cfg.Transport,
		online:        online,
		onAuthFailure: cfg.OnAuthFailure,
		batchSize:     batchSize,
		pullPageSize:  pullPageSize,
		logger:        logger,
	}, nil
}

// Sync runs one cycle: upload pending batches and pull the changefeed until the queue is empty.
// A failure aborts the cycle; every step that already completed stays committed locally.
func (e *Engine) Sync(ctx context.Context) (CycleReport, error) {
	if !e.running.TryLock() {
		return CycleReport{}, ErrSyncInProgress
	}
	defer e.running.Unlock()

	var report CycleReport
	if !e.online() {
		return report, ErrOffline
	}

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Rounds++

		uploaded, err := e.uploadBatch(ctx, &report)
		if err != nil {
			return report, e.abort("upload", err)
		}
		if err := e.pullAll(ctx, &report); err != nil {
			return report, e.abort("pull", err)
		}
		if uploaded == 0 {
			break
		}
	}

	e.logger.Debug("sync cycle complete",
		zap.Int("rounds", report.Rounds),
		zap.Int("uploaded", report.Uploaded),
		zap.Int("accepted", report.Accepted),
		zap.Int("rejected", len(report.Rejected)),
		zap.Int("pulled", report.Pulled),
		zap.Int64("cursor", report.Cursor),
	)
	return report, nil
}

func (e *Engine) uploadBatch(ctx context.Context, report *CycleReport) (int, error) {
	batch, err := e.store.ListPending(ctx, e.batchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(batch))
	mutations := make([]protocol.Mutation, 0, len(batch))
	for _, record := range batch {
		ids = append(ids, record.ID)
		mutations = append(mutations, record.Wire())
	}
	if err := e.store.MarkSubmitted(ctx, ids); err != nil {
		return 0, err
	}

	response, err := e.transport.Upload(ctx, mutations)
	if err != nil {
		if e.shrinkBatch(err) {
			// The batch stays queued; the next round resends it in smaller pieces.
			return len(batch), nil
		}
		return 0, err
	}

	reasons := make(map[string]string, len(response.Rejected))
	for _, rejection := range response.Rejected {
		reasons[rejection.ID] = rejection.Reason
	}
	rejected, err := e.store.RecordUpload(ctx, localstore.UploadOutcome{
		Submitted:     ids,
		Accepted:      response.AcceptedIDs,
		Reasons:       reasons,
		ServerVersion: response.ServerVersion,
	})
	if err != nil {
		return 0, err
	}
	for _, id := range rejected {
		e.logger.Warn("mutation rejected by server",
			zap.String("mutation_id", id),
			zap.String("reason", reasons[id]),
		)
	}

	report.Uploaded += len(batch)
	report.Accepted += len(batch) - len(rejected)
	report.Rejected = append(report.Rejected, rejected...)
	return len(batch), nil
}

// shrinkBatch lowers the batch size when the server reports a smaller limit.
func (e *Engine) shrinkBatch(err error) bool {
	var requestErr *RequestError
	if !errors.As(err, &requestErr) || requestErr.Code != codeBatchTooLarge {
		return false
	}
	if requestErr.Limit <= 0 || requestErr.Limit >= e.batchSize {
		return false
	}
	e.logger.Info("server batch limit applied",
		zap.Int("previous", e.batchSize),
		zap.Int("limit", requestErr.Limit),
	)
	e.batchSize = requestErr.Limit
	return true
}

func (e *Engine) pullAll(ctx context.Context, report *CycleReport) error {
	for {
		cursor, err := e.store.Cursor(ctx)
		if err != nil {
			return err
		}
		page, err := e.transport.Pull(ctx, cursor, e.pullPageSize)
		if err != nil {
			return err
		}
		result, err := e.store.ApplyPull(ctx, page.Rows, page.ServerVersion)
		if err != nil {
			return err
		}
		report.Pulled += result.Applied
		report.Cursor = result.Cursor
		if !page.HasMore || len(page.Rows) == 0 || result.Cursor <= cursor {
			return nil
		}
	}
}

func (e *Engine) abort(step string, err error) error {
	switch {
	case errors.Is(err, ErrUnauthorized):
		e.logger.Warn("sync aborted: credentials refused", zap.String("step", step), zap.Error(err))
		if e.onAuthFailure != nil {
			e.onAuthFailure(err)
		}
	case errors.Is(err, ErrTransient), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		e.logger.Info("sync interrupted", zap.String("step", step), zap.Error(err))
	default:
		e.logger.Error("sync failed", zap.String("step", step), zap.Error(err))
	}
	return err
}
