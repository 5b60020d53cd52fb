// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package mocks

import (
	"context"
	"sync"

	"github.com/fleetbus/fleetbus/auth"
	svcerr "github.com/fleetbus/fleetbus/pkg/errors/service"
)

var _ auth.Authenticator = (*authenticatorMock)(nil)

type authenticatorMock struct {
	mu       sync.Mutex
	sessions map[string]auth.Session
}

// NewAuthenticator creates an in-memory token-to-customer resolver.
func NewAuthenticator(sessions map[string]auth.Session) auth.Authenticator {
	if sessions == nil {
		sessions = make(map[string]auth.Session)
	}
	return &authenticatorMock{sessions: sessions}
}

func (am *authenticatorMock) Identify(_ context.Context, token string) (auth.Session, error) {
	am.mu.Lock()
	defer am.mu.Unlock()

	session, ok := am.sessions[token]
	if !ok {
		return auth.Session{}, svcerr.ErrAuthentication
	}

	return session, nil
}
