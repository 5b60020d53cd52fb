// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package mocks

import (
	"context"
	"sync"

	"github.com/fleetbus/fleetbus/devices"
	repoerr "github.com/fleetbus/fleetbus/pkg/errors/repository"
)

var _ devices.Cache = (*cacheMock)(nil)

// cacheMock mimics the redis cache without TTL expiry.
type cacheMock struct {
	mu       sync.Mutex
	status   map[string][]byte
	sysInfo  map[string][]byte
	sessions map[string]string
}

// NewCache creates in-memory device cache.
func NewCache() devices.Cache {
	return &cacheMock{
		status:   make(map[string][]byte),
		sysInfo:  make(map[string][]byte),
		sessions: make(map[string]string),
	}
}

func (cm *cacheMock) SaveStatus(_ context.Context, deviceID string, status []byte) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.status[deviceID] = status
	return nil
}

func (cm *cacheMock) Status(_ context.Context, deviceID string) ([]byte, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	status, ok := cm.status[deviceID]
	if !ok {
		return nil, repoerr.ErrNotFound
	}
	return status, nil
}

func (cm *cacheMock) SaveSystemInfo(_ context.Context, deviceID string, info []byte) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.sysInfo[deviceID] = info
	return nil
}

func (cm *cacheMock) SystemInfo(_ context.Context, deviceID string) ([]byte, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	info, ok := cm.sysInfo[deviceID]
	if !ok {
		return nil, repoerr.ErrNotFound
	}
	return info, nil
}

func (cm *cacheMock) SaveSession(_ context.Context, token, deviceID string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.sessions[token] = deviceID
	return nil
}

func (cm *cacheMock) Session(_ context.Context, token string) (string, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	deviceID, ok := cm.sessions[token]
	if !ok {
		return "", repoerr.ErrNotFound
	}
	return deviceID, nil
}

func (cm *cacheMock) RemoveSession(_ context.Context, token string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	delete(cm.sessions, token)
	return nil
}
