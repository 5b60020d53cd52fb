// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package fleetbus

import (
	"encoding/json"
	"net/http"
	"time"
)

const (
	version     = "0.1.0"
	contentType = "application/health+json"
	svcStatus   = "pass"
)

// HealthInfo contains version endpoint response.
type HealthInfo struct {
	// Status contains service status.
	Status string `json:"status"`

	// Version contains current service version.
	Version string `json:"version"`

	// Description contains service description.
	Description string `json:"description"`

	// BuildTime contains service build time.
	BuildTime string `json:"build_time"`

	// InstanceID contains the ID of the running service instance.
	InstanceID string `json:"instance_id"`
}

// Health exposes an HTTP handler for retrieving service health.
func Health(service, instanceID string) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		res := HealthInfo{
			Status:      svcStatus,
			Version:     version,
			Description: service + " service",
			BuildTime:   time.Now().Format(time.RFC3339),
			InstanceID:  instanceID,
		}

		rw.Header().Set("Content-Type", contentType)
		rw.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(rw).Encode(res); err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
		}
	}
}
