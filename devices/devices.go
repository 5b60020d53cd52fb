// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

// Package devices holds the device records the gateway consults for
// authorization. Profile CRUD belongs to the management service; the gateway
// only reads ownership and keeps short-lived session and status state in the
// cache. Ownership is re-verified against the store on every
// customer-initiated operation, cached connection metadata is never treated
// as sufficient authorization.
package devices

import (
	"context"
	"time"
)

// Device represents a remote field device owned by a customer.
type Device struct {
	ID         string                 `json:"id"`
	CustomerID string                 `json:"customer_id"`
	Name       string                 `json:"name"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Repository specifies the device ownership store API.
type Repository interface {
	// Save persists a device record.
	Save(ctx context.Context, dev Device) (Device, error)

	// RetrieveByID retrieves a device by its unique identifier.
	RetrieveByID(ctx context.Context, id string) (Device, error)

	// RetrieveByCustomer retrieves all devices owned by the customer.
	RetrieveByCustomer(ctx context.Context, customerID string) ([]Device, error)

	// CheckOwnership verifies that the device belongs to the customer. It
	// returns repository.ErrNotFound for an unknown device and
	// service.ErrAuthorization when the device is owned by someone else.
	CheckOwnership(ctx context.Context, deviceID, customerID string) error

	// Remove deletes a device record.
	Remove(ctx context.Context, id string) error
}

// Cache keeps ephemeral device state with expiry. It is not a system of
// record: entries vanish on TTL and the gateway must tolerate misses.
type Cache interface {
	// SaveStatus caches the device's last-known status.
	SaveStatus(ctx context.Context, deviceID string, status []byte) error

	// Status retrieves the cached status.
	Status(ctx context.Context, deviceID string) ([]byte, error)

	// SaveSystemInfo caches the device's last reported system information.
	SaveSystemInfo(ctx context.Context, deviceID string, info []byte) error

	// SystemInfo retrieves the cached system information.
	SystemInfo(ctx context.Context, deviceID string) ([]byte, error)

	// SaveSession binds an opaque session token to a device.
	SaveSession(ctx context.Context, token, deviceID string) error

	// Session resolves a session token to its device.
	Session(ctx context.Context, token string) (string, error)

	// RemoveSession drops the session binding.
	RemoveSession(ctx context.Context, token string) error
}
