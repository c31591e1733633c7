package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/changefeed"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/protocol"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) handleUpload(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request_too_large", "limit": tooLarge.Limit})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	var elements []json.RawMessage
	if err := json.Unmarshal(body, &elements); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if len(elements) > h.maxBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch_too_large", "limit": h.maxBatchSize})
		return
	}

	mutations, malformed := decodeMutations(elements)
	if dropped := len(elements) - len(mutations) - len(malformed); dropped > 0 {
		h.logger.Warn("upload elements without a recoverable id were dropped",
			zap.String("user_id", userID),
			zap.Int("dropped", dropped))
	}

	result, err := h.changefeed.ApplyMutations(c.Request.Context(), userID, mutations)
	if err != nil {
		h.logger.Error("failed to apply mutations", zap.String("user_id", userID), zap.Error(err))
		respondServiceError(c, "upload_failed", err)
		return
	}

	if err := h.devices.Touch(c.Request.Context(), userID, changefeed.AcceptedDeviceIDs(mutations, result.AcceptedIDs)); err != nil {
		h.logger.Warn("failed to record device sync", zap.String("user_id", userID), zap.Error(err))
	}

	if result.Advanced() {
		h.realtime.Publish(protocol.ChangefeedEvent{
			Type:          protocol.EventChangefeedAdvanced,
			ServerVersion: result.ServerVersion,
			Tables:        collectChangedTables(result.ChangedTables),
		})
	}

	c.JSON(http.StatusOK, protocol.UploadResponse{
		AcceptedIDs:   result.AcceptedIDs,
		ServerVersion: result.ServerVersion,
		Rejected:      append(malformed, result.Rejected...),
	})
}

// decodeMutations decodes each batch element on its own so a single malformed element is
// rejected by id instead of failing the request.
func decodeMutations(elements []json.RawMessage) ([]protocol.Mutation, []protocol.RejectedMutation) {
	mutations := make([]protocol.Mutation, 0, len(elements))
	var malformed []protocol.RejectedMutation
	for _, element := range elements {
		var mutation protocol.Mutation
		if err := json.Unmarshal(element, &mutation); err == nil {
			mutations = append(mutations, mutation)
			continue
		}
		if mutationID := recoverMutationID(element); mutationID != "" {
			malformed = append(malformed, protocol.RejectedMutation{ID: mutationID, Reason: protocol.ReasonMalformed})
		}
	}
	return mutations, malformed
}

func recoverMutationID(element json.RawMessage) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(element, &fields); err != nil {
		return ""
	}
	var mutationID string
	if err := json.Unmarshal(fields["id"], &mutationID); err != nil {
		return ""
	}
	return strings.TrimSpace(mutationID)
}

func collectChangedTables(tables []protocol.Table) []string {
	if len(tables) == 0 {
		return nil
	}
	names := make([]string, 0, len(tables))
	for _, table := range tables {
		names = append(names, table.String())
	}
	return names
}

func (h *httpHandler) handlePull(c *gin.Context) {
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || since < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
		return
	}
	limit := 0
	if rawLimit := c.Query("limit"); rawLimit != "" {
		limit, err = strconv.Atoi(rawLimit)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
	}

	page, err := h.changefeed.Pull(c.Request.Context(), since, limit)
	if err != nil {
		if changefeed.IsInvalidArgument(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
		h.logger.Error("failed to pull changefeed", zap.Int64("since", since), zap.Error(err))
		respondServiceError(c, "pull_failed", err)
		return
	}

	rows := page.Rows
	if rows == nil {
		rows = []protocol.Row{}
	}
	c.JSON(http.StatusOK, protocol.PullResponse{
		Rows:          rows,
		ServerVersion: page.ServerVersion,
		HasMore:       page.HasMore,
	})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	report, err := h.changefeed.Status(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to build status", zap.Error(err))
		respondServiceError(c, "status_failed", err)
		return
	}
	c.JSON(http.StatusOK, report)
}
