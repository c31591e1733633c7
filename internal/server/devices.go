package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/devices"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type registerDeviceRequest struct {
	DeviceID string `json:"deviceId"`
	Label    string `json:"label"`
}

type deviceResponse struct {
	DeviceID     string `json:"deviceId"`
	UserID       string `json:"userId"`
	Label        string `json:"label,omitempty"`
	RegisteredAt string `json:"registeredAt"`
	LastSyncAt   string `json:"lastSyncAt,omitempty"`
}

func newDeviceResponse(device devices.Device) deviceResponse {
	response := deviceResponse{
		DeviceID:     device.DeviceID,
		UserID:       device.UserID,
		Label:        device.Label,
		RegisteredAt: device.RegisteredAt.UTC().Format(time.RFC3339),
	}
	if !device.LastSyncAt.IsZero() {
		response.LastSyncAt = device.LastSyncAt.UTC().Format(time.RFC3339)
	}
	return response
}

func (h *httpHandler) handleRegisterDevice(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request registerDeviceRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	device, err := h.devices.Register(c.Request.Context(), request.DeviceID, userID, request.Label)
	switch {
	case errors.Is(err, devices.ErrInvalidDevice):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_device_id"})
		return
	case errors.Is(err, devices.ErrDeviceClaimed):
		c.JSON(http.StatusConflict, gin.H{"error": "device_claimed"})
		return
	case err != nil:
		h.logger.Error("failed to register device", zap.String("device_id", request.DeviceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "device_register_failed"})
		return
	}

	c.JSON(http.StatusOK, newDeviceResponse(device))
}

func (h *httpHandler) handleLookupDevice(c *gin.Context) {
	device, err := h.devices.Lookup(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, devices.ErrDeviceNotFound), errors.Is(err, devices.ErrInvalidDevice):
		c.JSON(http.StatusNotFound, gin.H{"error": "device_not_found"})
		return
	case err != nil:
		h.logger.Error("failed to look up device", zap.String("device_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "device_lookup_failed"})
		return
	}

	c.JSON(http.StatusOK, newDeviceResponse(device))
}
