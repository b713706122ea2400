// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tillhq/licensed/internal/auth"
	"github.com/tillhq/licensed/internal/services"
)

// DeviceHandler serves the device reset and license transfer endpoints.
// Both clear the device binding after fresh re-authentication; a cached
// session is deliberately not enough to reassign a device.
type DeviceHandler struct {
	licenseService *services.LicenseService
	validate       *validator.Validate
}

func NewDeviceHandler(licenseService *services.LicenseService) *DeviceHandler {
	return &DeviceHandler{
		licenseService: licenseService,
		validate:       validator.New(),
	}
}

// ResetRequest carries the re-authentication credentials
type ResetRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Reset unbinds the caller's license from its current device
func (h *DeviceHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.handleUnbind(w, r, "Device reset complete. Sign in on this device to continue.")
}

// Transfer moves the license to a new device. Identical in effect to
// Reset; the copy differs for the explicit-migration flow in the app.
func (h *DeviceHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	h.handleUnbind(w, r, "License released. Activate on the new device to finish the transfer.")
}

func (h *DeviceHandler) handleUnbind(w http.ResponseWriter, r *http.Request, successMessage string) {
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	if err := h.licenseService.ResetDevice(r.Context(), req.Email, req.Password); err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			// One generic message for unknown email and wrong password
			RespondError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		log.Error().Err(err).Msg("Device unbind failed")
		RespondError(w, http.StatusInternalServerError, "Failed to reset device")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": successMessage,
	})
}
