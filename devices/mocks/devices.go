// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package mocks

import (
	"context"
	"sort"
	"sync"

	"github.com/fleetbus/fleetbus/devices"
	repoerr "github.com/fleetbus/fleetbus/pkg/errors/repository"
	svcerr "github.com/fleetbus/fleetbus/pkg/errors/service"
)

var _ devices.Repository = (*repositoryMock)(nil)

type repositoryMock struct {
	mu      sync.Mutex
	devices map[string]devices.Device
}

// NewRepository creates in-memory device repository.
func NewRepository() devices.Repository {
	return &repositoryMock{devices: make(map[string]devices.Device)}
}

func (rm *repositoryMock) Save(_ context.Context, dev devices.Device) (devices.Device, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if _, ok := rm.devices[dev.ID]; ok {
		return devices.Device{}, repoerr.ErrConflict
	}
	rm.devices[dev.ID] = dev

	return dev, nil
}

func (rm *repositoryMock) RetrieveByID(_ context.Context, id string) (devices.Device, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	dev, ok := rm.devices[id]
	if !ok {
		return devices.Device{}, repoerr.ErrNotFound
	}

	return dev, nil
}

func (rm *repositoryMock) RetrieveByCustomer(_ context.Context, customerID string) ([]devices.Device, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	var items []devices.Device
	for _, dev := range rm.devices {
		if dev.CustomerID == customerID {
			items = append(items, dev)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	return items, nil
}

func (rm *repositoryMock) CheckOwnership(_ context.Context, deviceID, customerID string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	dev, ok := rm.devices[deviceID]
	if !ok {
		return repoerr.ErrNotFound
	}
	if dev.CustomerID != customerID {
		return svcerr.ErrAuthorization
	}

	return nil
}

func (rm *repositoryMock) Remove(_ context.Context, id string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if _, ok := rm.devices[id]; !ok {
		return repoerr.ErrNotFound
	}
	delete(rm.devices, id)

	return nil
}
