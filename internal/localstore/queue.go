package localstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/protocol"
	"gorm.io/gorm"
)

var queuedStates = []string{string(protocol.SyncStatePending), string(protocol.SyncStateSubmitted)}

// MutationInput describes a local write. ID and ClientTimestamp are assigned when empty.
type MutationInput struct {
	ID              string
	Table           string
	Op              string
	Payload         json.RawMessage
	ClientTimestamp string
}

// Enqueue validates the mutation envelope and durably appends it as pending. Per-table payload
// schemas are enforced by the server, which reports violations as rejections.
func (s *Store) Enqueue(ctx context.Context, input MutationInput) (Record, error) {
	table, err := protocol.ParseTable(input.Table)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}
	operation, err := protocol.ParseOperation(input.Op)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}
	payload, err := compactPayload(input.Payload)
	if err != nil {
		return Record{}, err
	}

	mutationID := input.ID
	if mutationID == "" {
		mutationID, err = s.newID()
		if err != nil {
			return Record{}, storeError("enqueue", err)
		}
	}
	if _, err := protocol.ValidateIdentifier(mutationID); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}

	clientTimestamp := input.ClientTimestamp
	now := s.clock().UTC()
	if clientTimestamp == "" {
		clientTimestamp = now.Format(time.RFC3339)
	} else if _, err := time.Parse(time.RFC3339, clientTimestamp); err != nil {
		return Record{}, fmt.Errorf("%w: client timestamp: %v", ErrInvalidMutation, err)
	}

	deviceID, err := s.DeviceID(ctx)
	if err != nil {
		return Record{}, err
	}

	row := pendingMutation{
		MutationID:      mutationID,
		EntityTable:     table.String(),
		Operation:       operation.String(),
		PayloadJSON:     payload,
		ClientTimestamp: clientTimestamp,
		DeviceID:        deviceID,
		SyncState:       string(protocol.SyncStatePending),
		CreatedAtSecond: now.Unix(),
		UpdatedAtSecond: now.Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Record{}, storeError("enqueue", err)
	}
	return row.record(), nil
}

func compactPayload(payload json.RawMessage) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return "", fmt.Errorf("%w: payload must be a JSON object", ErrInvalidMutation)
	}
	var entityID string
	if err := json.Unmarshal(fields["id"], &entityID); err != nil || entityID == "" {
		return "", fmt.Errorf("%w: payload must carry a string id", ErrInvalidMutation)
	}
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}
	return compacted.String(), nil
}

// ListPending returns up to limit unacknowledged records in FIFO order. Submitted records are
// included so a batch interrupted before its acknowledgment is resent.
func (s *Store) ListPending(ctx context.Context, limit int) ([]Record, error) {
	query := s.db.WithContext(ctx).
		Where("sync_state IN ?", queuedStates).
		Order("seq ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []pendingMutation
	if err := query.Find(&rows).Error; err != nil {
		return nil, storeError("list_pending", err)
	}
	return records(rows), nil
}

// PendingCount reports how many records await acknowledgment.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&pendingMutation{}).
		Where("sync_state IN ?", queuedStates).
		Count(&count).Error; err != nil {
		return 0, storeError("pending_count", err)
	}
	return count, nil
}

// MarkSubmitted records that the records were handed to the server.
func (s *Store) MarkSubmitted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&pendingMutation{}).
		Where("mutation_id IN ? AND sync_state IN ?", ids, queuedStates).
		Updates(map[string]any{
			"sync_state":   string(protocol.SyncStateSubmitted),
			"attempts":     gorm.Expr("attempts + 1"),
			"updated_at_s": s.clock().UTC().Unix(),
		}).Error
	return storeError("mark_submitted", err)
}

// MarkAcknowledged removes records the server accepted.
func (s *Store) MarkAcknowledged(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Where("mutation_id IN ?", ids).
		Delete(&pendingMutation{}).Error
	return storeError("mark_acknowledged", err)
}

// MarkRejected retains the record for inspection and excludes it from future batches.
func (s *Store) MarkRejected(ctx context.Context, id, reason string) error {
	return storeError("mark_rejected", markRejected(s.db.WithContext(ctx), id, reason, s.clock().UTC().Unix()))
}

func markRejected(tx *gorm.DB, id, reason string, at int64) error {
	return tx.Model(&pendingMutation{}).
		Where("mutation_id = ? AND sync_state IN ?", id, queuedStates).
		Updates(map[string]any{
			"sync_state":    string(protocol.SyncStateRejected),
			"reject_reason": reason,
			"updated_at_s":  at,
		}).Error
}

// UploadOutcome is the server's verdict on one submitted batch.
type UploadOutcome struct {
	Submitted     []string
	Accepted      []string
	Reasons       map[string]string
	ServerVersion int64
}

// RecordUpload commits a batch verdict in one transaction: accepted records are removed,
// submitted records the server omitted become rejected, and the server version is noted.
func (s *Store) RecordUpload(ctx context.Context, outcome UploadOutcome) ([]string, error) {
	accepted := make(map[string]struct{}, len(outcome.Accepted))
	for _, id := range outcome.Accepted {
		accepted[id] = struct{}{}
	}
	var rejected []string
	at := s.clock().UTC().Unix()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(outcome.Accepted) > 0 {
			if err := tx.Where("mutation_id IN ?", outcome.Accepted).Delete(&pendingMutation{}).Error; err != nil {
				return err
			}
		}
		for _, id := range outcome.Submitted {
			if _, ok := accepted[id]; ok {
				continue
			}
			reason := outcome.Reasons[id]
			if reason == "" {
				reason = protocol.ReasonValidationFailed
			}
			if err := markRejected(tx, id, reason, at); err != nil {
				return err
			}
			rejected = append(rejected, id)
		}
		return raiseCursor(tx, cursorKnownVersion, outcome.ServerVersion)
	})
	if err != nil {
		return nil, storeError("record_upload", err)
	}
	return rejected, nil
}

// ListRejected returns rejected records awaiting manual resolution.
func (s *Store) ListRejected(ctx context.Context) ([]Record, error) {
	var rows []pendingMutation
	if err := s.db.WithContext(ctx).
		Where("sync_state = ?", string(protocol.SyncStateRejected)).
		Order("seq ASC").
		Find(&rows).Error; err != nil {
		return nil, storeError("list_rejected", err)
	}
	return records(rows), nil
}

// DiscardRejected permanently removes a rejected record.
func (s *Store) DiscardRejected(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).
		Where("mutation_id = ? AND sync_state = ?", id, string(protocol.SyncStateRejected)).
		Delete(&pendingMutation{})
	if result.Error != nil {
		return storeError("discard_rejected", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueRejected returns a rejected record to the pending queue at its original position.
func (s *Store) RequeueRejected(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Model(&pendingMutation{}).
		Where("mutation_id = ? AND sync_state = ?", id, string(protocol.SyncStateRejected)).
		Updates(map[string]any{
			"sync_state":    string(protocol.SyncStatePending),
			"reject_reason": "",
			"updated_at_s":  s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		return storeError("requeue_rejected", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func records(rows []pendingMutation) []Record {
	result := make([]Record, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.record())
	}
	return result
}
