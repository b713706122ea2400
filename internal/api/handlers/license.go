// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tillhq/licensed/internal/api/middleware"
	"github.com/tillhq/licensed/internal/models"
	"github.com/tillhq/licensed/internal/services"
)

// LicenseHandler serves the validation and activation endpoints
type LicenseHandler struct {
	licenseService *services.LicenseService
}

func NewLicenseHandler(licenseService *services.LicenseService) *LicenseHandler {
	return &LicenseHandler{
		licenseService: licenseService,
	}
}

// ActivateRequest represents an explicit device activation
type ActivateRequest struct {
	DeviceID string `json:"deviceId"`
}

// Validate returns the authoritative license verdict for the caller.
// A missing license is a 200 with needsActivation, not an error.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	deviceID := middleware.DeviceIDFromContext(r.Context())

	result, err := h.licenseService.Validate(r.Context(), userID, deviceID)
	if err != nil {
		if errors.Is(err, models.ErrDeviceMismatch) {
			RespondError(w, http.StatusForbidden, "license is bound to another device")
			return
		}
		log.Error().Err(err).Int("userId", userID).Msg("License validation failed")
		RespondError(w, http.StatusInternalServerError, "License validation failed")
		return
	}

	RespondJSON(w, http.StatusOK, result)
}

// Activate binds the caller's license to the presented device
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req ActivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = middleware.DeviceIDFromContext(r.Context())
	}
	if deviceID == "" {
		RespondError(w, http.StatusBadRequest, "Device ID is required")
		return
	}

	result, err := h.licenseService.Activate(r.Context(), userID, deviceID)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrDeviceMismatch):
			RespondError(w, http.StatusForbidden, "license is bound to another device")
		case errors.Is(err, services.ErrNoActivatableLicense):
			RespondError(w, http.StatusConflict, "No activatable license; renew or start a trial first")
		case errors.Is(err, models.ErrLicenseRevoked):
			RespondError(w, http.StatusConflict, "License has been revoked")
		default:
			log.Error().Err(err).Int("userId", userID).Msg("License activation failed")
			RespondError(w, http.StatusInternalServerError, "License activation failed")
		}
		return
	}

	RespondJSON(w, http.StatusOK, result)
}
