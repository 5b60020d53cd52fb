// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fleetbus/fleetbus"
	"github.com/fleetbus/fleetbus/pkg/errors"
	svcerr "github.com/fleetbus/fleetbus/pkg/errors/service"
	"github.com/fleetbus/fleetbus/pkg/messaging"
)

const (
	// maxClaimBatch caps how many commands a single claim may take.
	maxClaimBatch = 100

	// defaultVisibility is used when a claimant does not set a visibility
	// timeout.
	defaultVisibility = 5 * time.Minute
)

// Notification types published on device channels.
const (
	queuedType = "command_queued"
	resultType = "command_result"
)

// Service specifies the command queue API.
type Service interface {
	// Add persists a new pending command and wakes the target device
	// through its control channel.
	Add(ctx context.Context, cmd Command) (Command, error)

	// Claim leases up to maxCount eligible commands of the device for the
	// visibility duration and returns them with fresh claim tokens.
	Claim(ctx context.Context, deviceID string, maxCount int, visibility time.Duration) ([]Command, error)

	// SubmitResult validates the claim token and records the result, then
	// fans the outcome out to the device's updates channel.
	SubmitResult(ctx context.Context, commandID, claimToken, deviceID string, result Result) (Command, error)

	// ViewCommand retrieves a single command.
	ViewCommand(ctx context.Context, id string) (Command, error)

	// ListCommands retrieves a page of commands matching the filter.
	ListCommands(ctx context.Context, page Page) (CommandsPage, error)

	// Sweep fails pending commands older than the retention period so
	// queues of abandoned devices do not grow without bound.
	Sweep(ctx context.Context) (uint64, error)
}

var _ Service = (*service)(nil)

type service struct {
	idProvider fleetbus.IDProvider
	repo       Repository
	publisher  messaging.Publisher
	retention  time.Duration
}

// New instantiates the command queue service.
func New(idp fleetbus.IDProvider, repo Repository, publisher messaging.Publisher, retention time.Duration) Service {
	return &service{
		idProvider: idp,
		repo:       repo,
		publisher:  publisher,
		retention:  retention,
	}
}

func (svc *service) Add(ctx context.Context, cmd Command) (Command, error) {
	if cmd.DeviceID == "" || cmd.CustomerID == "" || cmd.Type == "" {
		return Command{}, svcerr.ErrMalformedEntity
	}

	id, err := svc.idProvider.ID()
	if err != nil {
		return Command{}, errors.Wrap(svcerr.ErrUniqueID, err)
	}

	cmd.ID = id
	cmd.Status = Pending
	cmd.ClaimToken = ""
	cmd.Result = nil
	cmd.CreatedAt = time.Now().UTC()
	cmd.UpdatedAt = cmd.CreatedAt

	saved, err := svc.repo.Save(ctx, cmd)
	if err != nil {
		return Command{}, errors.Wrap(svcerr.ErrCreateEntity, err)
	}

	// Wake the device wherever it is attached. Delivery is best-effort:
	// a device that misses the notification picks the command up on its
	// next claim.
	svc.notify(ctx, messaging.DeviceControlChannel(saved.DeviceID), map[string]interface{}{
		"type":      queuedType,
		"commandId": saved.ID,
		"deviceId":  saved.DeviceID,
	})

	return saved, nil
}

func (svc *service) Claim(ctx context.Context, deviceID string, maxCount int, visibility time.Duration) ([]Command, error) {
	if deviceID == "" || maxCount <= 0 {
		return nil, svcerr.ErrMalformedEntity
	}
	if maxCount > maxClaimBatch {
		maxCount = maxClaimBatch
	}
	if visibility <= 0 {
		visibility = defaultVisibility
	}

	tokens := make([]string, maxCount)
	for i := range tokens {
		token, err := svc.idProvider.ID()
		if err != nil {
			return nil, errors.Wrap(svcerr.ErrUniqueID, err)
		}
		tokens[i] = token
	}

	claimed, err := svc.repo.Claim(ctx, deviceID, tokens, time.Now().UTC().Add(visibility))
	if err != nil {
		return nil, errors.Wrap(svcerr.ErrUpdateEntity, err)
	}

	return claimed, nil
}

func (svc *service) SubmitResult(ctx context.Context, commandID, claimToken, deviceID string, result Result) (Command, error) {
	if commandID == "" || claimToken == "" || deviceID == "" {
		return Command{}, svcerr.ErrMalformedEntity
	}
	if result.Status != ResultSuccess && result.Status != ResultFailure {
		return Command{}, svcerr.ErrInvalidStatus
	}
	result.SubmittedAt = time.Now().UTC()

	cmd, err := svc.repo.UpdateResult(ctx, commandID, claimToken, deviceID, result)
	if err != nil {
		return Command{}, err
	}

	svc.notify(ctx, messaging.DeviceUpdatesChannel(cmd.DeviceID), map[string]interface{}{
		"type":      resultType,
		"commandId": cmd.ID,
		"deviceId":  cmd.DeviceID,
		"status":    cmd.Status,
		"result":    cmd.Result,
	})

	return cmd, nil
}

func (svc *service) ViewCommand(ctx context.Context, id string) (Command, error) {
	cmd, err := svc.repo.RetrieveByID(ctx, id)
	if err != nil {
		return Command{}, errors.Wrap(svcerr.ErrViewEntity, err)
	}

	return cmd, nil
}

func (svc *service) ListCommands(ctx context.Context, page Page) (CommandsPage, error) {
	cp, err := svc.repo.RetrieveAll(ctx, page)
	if err != nil {
		return CommandsPage{}, errors.Wrap(svcerr.ErrViewEntity, err)
	}

	return cp, nil
}

func (svc *service) Sweep(ctx context.Context) (uint64, error) {
	if svc.retention <= 0 {
		return 0, nil
	}

	return svc.repo.FailAbandoned(ctx, time.Now().UTC().Add(-svc.retention))
}

// notify publishes fire-and-forget; the fanout layer gives no delivery
// guarantee and the queue does not need one.
func (svc *service) notify(ctx context.Context, channel string, envelope map[string]interface{}) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	_ = svc.publisher.Publish(ctx, channel, &messaging.Message{Payload: payload})
}
