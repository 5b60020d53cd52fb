// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

// Package api exposes the websocket handshake endpoints of the gateway.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetbus/fleetbus"
	"github.com/fleetbus/fleetbus/ws"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// MakeHandler returns an http handler with the handshake endpoints.
func MakeHandler(svc ws.Service, logger *slog.Logger, instanceID string) http.Handler {
	mux := chi.NewRouter()

	mux.Get("/devices/ws", deviceHandshake(svc, logger))
	mux.Get("/customers/ws", customerHandshake(svc, logger))
	mux.Get("/health", fleetbus.Health("gateway", instanceID))
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

func deviceHandshake(svc ws.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := credential(r)
		if token == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("failed to upgrade connection", slog.Any("error", err))
			return
		}

		// Blocks for the lifetime of the session; authentication failures
		// close the socket with a policy-violation code inside.
		if err := svc.StartDeviceSession(context.Background(), conn, token); err != nil {
			logger.Warn("device session rejected", slog.Any("error", err))
		}
	}
}

func customerHandshake(svc ws.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := credential(r)
		if token == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("failed to upgrade connection", slog.Any("error", err))
			return
		}

		if err := svc.StartCustomerSession(context.Background(), conn, token); err != nil {
			logger.Warn("customer session rejected", slog.Any("error", err))
		}
	}
}

// credential reads the session credential from the Authorization header or,
// since browser websocket clients cannot set headers, the token query
// parameter.
func credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}

	return r.URL.Query().Get("token")
}
