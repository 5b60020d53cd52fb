// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

// Package auth defines the boundary to the external token issuer. The
// gateway never mints customer credentials, it only verifies the bearer
// token presented at handshake and resolves it to a customer identity.
package auth

import "context"

// Session is the identity resolved from a verified credential.
type Session struct {
	CustomerID string
	IssuedAt   int64
	ExpiresAt  int64
}

// Authenticator verifies customer bearer credentials.
type Authenticator interface {
	// Identify resolves a bearer token to the customer that owns it.
	Identify(ctx context.Context, token string) (Session, error)
}
