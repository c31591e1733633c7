package changefeed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/protocol"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errNegativeCursor    = errors.New("since must not be negative")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "changefeed.service.new"
	opApplyMutations = "changefeed.apply_mutations"
	opPull           = "changefeed.pull"
	opStatus         = "changefeed.status"
	opCurrentVersion = "changefeed.current_version"
)

const (
	defaultPullLimit = 200
	maximumPullLimit = 1000
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IsInvalidArgument reports whether err was caused by caller input rather than storage.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, errNegativeCursor)
}

type ServiceConfig struct {
	Database         *gorm.DB
	Clock            func() time.Time
	IDProvider       IDProvider
	Logger           *zap.Logger
	Limits           protocol.Limits
	DefaultPullLimit int
	MaxPullLimit     int
}

type IDProvider interface {
	NewID() (string, error)
}

type Service struct {
	db               *gorm.DB
	clock            func() time.Time
	idProvider       IDProvider
	logger           *zap.Logger
	limits           protocol.Limits
	counter          Counter
	defaultPullLimit int
	maxPullLimit     int
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	limits := cfg.Limits
	if limits.MaxPayloadBytes <= 0 {
		limits = protocol.DefaultLimits()
	}

	maxPullLimit := cfg.MaxPullLimit
	if maxPullLimit <= 0 {
		maxPullLimit = maximumPullLimit
	}
	pullLimit := cfg.DefaultPullLimit
	if pullLimit <= 0 {
		pullLimit = defaultPullLimit
	}
	if pullLimit > maxPullLimit {
		pullLimit = maxPullLimit
	}

	return &Service{
		db:               cfg.Database,
		clock:            clock,
		idProvider:       cfg.IDProvider,
		logger:           logger,
		limits:           limits,
		counter:          NewCounter(ServerVersionCounter),
		defaultPullLimit: pullLimit,
		maxPullLimit:     maxPullLimit,
	}, nil
}

// UploadResult summarizes one processed batch.
type UploadResult struct {
	AcceptedIDs       []string
	Rejected          []protocol.RejectedMutation
	ServerVersion     int64
	CommittedVersions []int64
	ChangedTables     []protocol.Table
}

// Advanced reports whether at least one mutation in the batch stamped a version.
func (r UploadResult) Advanced() bool {
	return len(r.CommittedVersions) > 0
}

// AcceptedDeviceIDs returns the distinct non-empty device identifiers carried by the accepted
// mutations of a batch. Rejected mutations vouch for nothing.
func AcceptedDeviceIDs(mutations []protocol.Mutation, acceptedIDs []string) []string {
	accepted := make(map[string]struct{}, len(acceptedIDs))
	for _, id := range acceptedIDs {
		accepted[id] = struct{}{}
	}
	seen := make(map[string]struct{}, len(mutations))
	deviceIDs := make([]string, 0, len(mutations))
	for _, mutation := range mutations {
		if mutation.DeviceID == "" {
			continue
		}
		if _, ok := accepted[mutation.ID]; !ok {
			continue
		}
		if _, ok := seen[mutation.DeviceID]; ok {
			continue
		}
		seen[mutation.DeviceID] = struct{}{}
		deviceIDs = append(deviceIDs, mutation.DeviceID)
	}
	return deviceIDs
}

// ApplyMutations validates and applies each mutation independently. Invalid mutations are
// rejected without affecting the rest of the batch; a storage failure aborts the remainder while
// mutations that already committed stay committed.
func (s *Service) ApplyMutations(ctx context.Context, actor string, mutations []protocol.Mutation) (UploadResult, error) {
	result := UploadResult{
		AcceptedIDs: make([]string, 0, len(mutations)),
	}
	changed := make(map[protocol.Table]struct{})

	for _, mutation := range mutations {
		validated, err := protocol.ValidateMutation(mutation, s.limits)
		if err != nil {
			reason := protocol.ReasonOf(err)
			s.logger.Debug("mutation rejected",
				zap.String("mutation_id", mutation.ID),
				zap.String("table", mutation.Table),
				zap.String("reason", reason),
				zap.Error(err))
			result.Rejected = append(result.Rejected, protocol.RejectedMutation{ID: mutation.ID, Reason: reason})
			continue
		}

		version, err := s.applyOne(ctx, actor, validated)
		if err != nil {
			return UploadResult{}, err
		}
		result.AcceptedIDs = append(result.AcceptedIDs, validated.MutationID)
		if version > 0 {
			result.CommittedVersions = append(result.CommittedVersions, version)
			changed[validated.Table] = struct{}{}
		}
	}

	serverVersion, err := s.counter.Current(ctx, s.db)
	if err != nil {
		s.logError(opApplyMutations, "counter_read_failed", err)
		return UploadResult{}, newServiceError(opApplyMutations, "counter_read_failed", err)
	}
	result.ServerVersion = serverVersion

	for table := range changed {
		result.ChangedTables = append(result.ChangedTables, table)
	}
	sort.Slice(result.ChangedTables, func(i, j int) bool {
		return result.ChangedTables[i] < result.ChangedTables[j]
	})

	return result, nil
}

// applyOne commits a single mutation and returns the stamped version, or zero for a no-op.
func (s *Service) applyOne(ctx context.Context, actor string, mutation protocol.ValidatedMutation) (int64, error) {
	fields := []zap.Field{
		zap.String("mutation_id", mutation.MutationID),
		zap.String("table", mutation.Table.String()),
		zap.String("entity_id", mutation.EntityID),
		zap.String("device_id", mutation.DeviceID),
	}

	var stamped int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := loadEntityRow(tx, mutation.Table, mutation.EntityID)
		if err != nil {
			s.logError(opApplyMutations, "entity_select_failed", err, fields...)
			return newServiceError(opApplyMutations, "entity_select_failed", err)
		}

		plan := planMutation(existing, mutation)
		if plan.noOp {
			return nil
		}

		version, err := s.counter.Next(tx)
		if err != nil {
			s.logError(opApplyMutations, "counter_failed", err, fields...)
			return newServiceError(opApplyMutations, "counter_failed", err)
		}
		appliedAt := s.clock().UTC().Unix()

		if plan.delete {
			if err := tx.Delete(&EntityRow{}, "table_name = ? AND entity_id = ?", mutation.Table.String(), mutation.EntityID).Error; err != nil {
				s.logError(opApplyMutations, "entity_delete_failed", err, fields...)
				return newServiceError(opApplyMutations, "entity_delete_failed", err)
			}
			if err := writeTombstone(tx, mutation.Table, mutation.EntityID, version, appliedAt); err != nil {
				s.logError(opApplyMutations, "tombstone_write_failed", err, fields...)
				return newServiceError(opApplyMutations, "tombstone_write_failed", err)
			}
		} else {
			row := EntityRow{
				EntityTable:     mutation.Table.String(),
				EntityID:        mutation.EntityID,
				Version:         version,
				DataJSON:        string(mutation.Data),
				UpdatedByDevice: mutation.DeviceID,
				UpdatedAtSecond: appliedAt,
			}
			if err := writeEntityRow(tx, existing != nil, row); err != nil {
				s.logError(opApplyMutations, "entity_write_failed", err, fields...)
				return newServiceError(opApplyMutations, "entity_write_failed", err)
			}
			if err := tx.Delete(&Tombstone{}, "table_name = ? AND entity_id = ?", mutation.Table.String(), mutation.EntityID).Error; err != nil {
				s.logError(opApplyMutations, "tombstone_clear_failed", err, fields...)
				return newServiceError(opApplyMutations, "tombstone_clear_failed", err)
			}
		}

		auditID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opApplyMutations, "id_generation_failed", err, fields...)
			return newServiceError(opApplyMutations, "id_generation_failed", err)
		}
		audit := MutationAudit{
			AuditID:         auditID,
			MutationID:      mutation.MutationID,
			EntityTable:     mutation.Table.String(),
			EntityID:        mutation.EntityID,
			Operation:       mutation.Operation.String(),
			DeviceID:        mutation.DeviceID,
			ClientTimestamp: mutation.ClientTimestamp,
			AppliedBy:       actor,
			AppliedAtSecond: appliedAt,
			PreviousVersion: plan.previousVersion,
			NewVersion:      version,
		}
		if err := tx.Create(&audit).Error; err != nil {
			s.logError(opApplyMutations, "audit_insert_failed", err, fields...)
			return newServiceError(opApplyMutations, "audit_insert_failed", err)
		}

		stamped = version
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	return stamped, nil
}

// CurrentVersion returns the Version Counter's value.
func (s *Service) CurrentVersion(ctx context.Context) (int64, error) {
	version, err := s.counter.Current(ctx, s.db)
	if err != nil {
		s.logError(opCurrentVersion, "counter_read_failed", err)
		return 0, newServiceError(opCurrentVersion, "counter_read_failed", err)
	}
	return version, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("changefeed service error", attrs...)
}
