// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package swagger

import (
	_ "embed"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"
)

//go:embed openapi.yaml
var openapiYAML []byte

//go:embed index.html
var swaggerHTML string

type Handler struct {
	spec    map[string]interface{}
	baseURL string
}

func NewHandler(baseURL string) (*Handler, error) {
	if len(openapiYAML) == 0 {
		return nil, nil
	}

	var spec map[string]interface{}
	if err := yaml.Unmarshal(openapiYAML, &spec); err != nil {
		return nil, err
	}

	baseURL = strings.TrimSuffix(baseURL, "/")

	return &Handler{
		spec:    spec,
		baseURL: baseURL,
	}, nil
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/docs", h.ServeSwaggerUI)
	r.Get("/api/openapi.json", h.ServeOpenAPISpec)
}

func (h *Handler) ServeSwaggerUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	openAPIPath := h.baseURL + "/api/openapi.json"
	html := strings.ReplaceAll(swaggerHTML, "{{OPENAPI_URL}}", openAPIPath)

	w.Write([]byte(html))
}

// GetOpenAPISpec returns the raw embedded spec for tests
func GetOpenAPISpec() ([]byte, error) {
	if len(openapiYAML) == 0 {
		return nil, nil
	}
	return openapiYAML, nil
}

func (h *Handler) ServeOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	spec := make(map[string]interface{})
	for k, v := range h.spec {
		spec[k] = v
	}

	if h.baseURL != "" {
		scheme := "http"
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			scheme = "https"
		}

		servers := []map[string]interface{}{
			{
				"url":         scheme + "://" + r.Host + h.baseURL,
				"description": "Current server with base URL",
			},
		}

		if existingServers, ok := spec["servers"].([]interface{}); ok {
			for _, s := range existingServers {
				if server, ok := s.(map[string]interface{}); ok {
					servers = append(servers, server)
				}
			}
		}

		spec["servers"] = servers
	}

	json.NewEncoder(w).Encode(spec)
}
