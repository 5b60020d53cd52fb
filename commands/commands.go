// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

// Package commands contains the lease-based command queue brokering
// asynchronous work between customers and their devices. A command is handed
// out under a claim token with a visibility timeout; if the claimant
// disappears before submitting a result the lease lapses and the command
// becomes re-claimable. At most one unexpired claim exists per command at
// any instant.
package commands

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fleetbus/fleetbus/pkg/errors"
)

// Queue outcomes expected in normal operation. They are returned as data,
// never raised, so callers can render precise error text.
var (
	// ErrNotFound indicates the referenced command does not exist or belongs
	// to a different device.
	ErrNotFound = errors.New("command not found")

	// ErrInvalidClaim indicates a wrong or expired claim token.
	ErrInvalidClaim = errors.New("invalid or expired claim token")

	// ErrAlreadyCompleted indicates a result was already accepted for the
	// command.
	ErrAlreadyCompleted = errors.New("command already completed")
)

// Status represents command lifecycle state.
const (
	Pending   = "pending"
	Claimed   = "claimed"
	Completed = "completed"
	Failed    = "failed"
)

// Result statuses reported by devices.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Result is the outcome a device reports for a claimed command.
type Result struct {
	Status      string    `json:"status"`
	Output      string    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	Duration    int64     `json:"duration,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Command is a unit of work queued for a device.
type Command struct {
	ID           string          `json:"id"`
	DeviceID     string          `json:"device_id"`
	CustomerID   string          `json:"customer_id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     int             `json:"priority"`
	Status       string          `json:"status"`
	ClaimToken   string          `json:"claim_token,omitempty"`
	VisibleUntil time.Time       `json:"visible_until,omitempty"`
	Result       *Result         `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Page is a commands retrieval filter.
type Page struct {
	Offset     uint64 `json:"offset"`
	Limit      uint64 `json:"limit"`
	DeviceID   string `json:"device_id,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
	Status     string `json:"status,omitempty"`
}

// CommandsPage contains a page of commands.
type CommandsPage struct {
	Total    uint64    `json:"total"`
	Offset   uint64    `json:"offset"`
	Limit    uint64    `json:"limit"`
	Commands []Command `json:"commands"`
}

// Repository specifies the command persistence API.
type Repository interface {
	// Save persists a new pending command.
	Save(ctx context.Context, cmd Command) (Command, error)

	// Claim atomically marks up to len(tokens) eligible commands of the
	// device as claimed, assigning tokens in order and setting the lease
	// deadline. Eligible are pending commands and claimed commands whose
	// lease expired; pending are served first, then by descending priority,
	// then oldest first. Two concurrent claimants never receive the same
	// token for the same command.
	Claim(ctx context.Context, deviceID string, tokens []string, visibleUntil time.Time) ([]Command, error)

	// UpdateResult validates the claim and stores the result, moving the
	// command to completed or failed. Expected outcomes are reported as
	// ErrNotFound, ErrInvalidClaim or ErrAlreadyCompleted.
	UpdateResult(ctx context.Context, commandID, claimToken, deviceID string, result Result) (Command, error)

	// RetrieveByID retrieves a command by its unique identifier.
	RetrieveByID(ctx context.Context, id string) (Command, error)

	// RetrieveAll retrieves a page of commands matching the filter.
	RetrieveAll(ctx context.Context, page Page) (CommandsPage, error)

	// FailAbandoned fails pending commands created before the deadline and
	// returns how many were failed. Terminal commands are never touched.
	FailAbandoned(ctx context.Context, deadline time.Time) (uint64, error)
}
