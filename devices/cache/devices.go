// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

// Package cache keeps short-lived device state in Redis: last-known status,
// last reported system information and session-token bindings. All entries
// expire, the cache never acts as a system of record.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetbus/fleetbus/devices"
	"github.com/fleetbus/fleetbus/pkg/errors"
	repoerr "github.com/fleetbus/fleetbus/pkg/errors/repository"
	"github.com/redis/go-redis/v9"
)

const (
	statusSuffix  = "status"
	sysInfoSuffix = "system_info"
	sessionPrefix = "session"
)

var _ devices.Cache = (*deviceCache)(nil)

type deviceCache struct {
	client          *redis.Client
	statusDuration  time.Duration
	sessionDuration time.Duration
}

// NewCache returns a redis device cache implementation.
func NewCache(client *redis.Client, statusDuration, sessionDuration time.Duration) devices.Cache {
	return &deviceCache{
		client:          client,
		statusDuration:  statusDuration,
		sessionDuration: sessionDuration,
	}
}

func (dc *deviceCache) SaveStatus(ctx context.Context, deviceID string, status []byte) error {
	if deviceID == "" || len(status) == 0 {
		return errors.Wrap(repoerr.ErrCreateEntity, errors.New("device id or status is empty"))
	}
	key := fmt.Sprintf("device:%s:%s", deviceID, statusSuffix)
	if err := dc.client.Set(ctx, key, status, dc.statusDuration).Err(); err != nil {
		return errors.Wrap(repoerr.ErrCreateEntity, err)
	}

	return nil
}

func (dc *deviceCache) Status(ctx context.Context, deviceID string) ([]byte, error) {
	if deviceID == "" {
		return nil, repoerr.ErrNotFound
	}
	key := fmt.Sprintf("device:%s:%s", deviceID, statusSuffix)
	status, err := dc.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, errors.Wrap(repoerr.ErrNotFound, err)
	}

	return status, nil
}

func (dc *deviceCache) SaveSystemInfo(ctx context.Context, deviceID string, info []byte) error {
	if deviceID == "" || len(info) == 0 {
		return errors.Wrap(repoerr.ErrCreateEntity, errors.New("device id or info is empty"))
	}
	key := fmt.Sprintf("device:%s:%s", deviceID, sysInfoSuffix)
	if err := dc.client.Set(ctx, key, info, dc.statusDuration).Err(); err != nil {
		return errors.Wrap(repoerr.ErrCreateEntity, err)
	}

	return nil
}

func (dc *deviceCache) SystemInfo(ctx context.Context, deviceID string) ([]byte, error) {
	if deviceID == "" {
		return nil, repoerr.ErrNotFound
	}
	key := fmt.Sprintf("device:%s:%s", deviceID, sysInfoSuffix)
	info, err := dc.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, errors.Wrap(repoerr.ErrNotFound, err)
	}

	return info, nil
}

func (dc *deviceCache) SaveSession(ctx context.Context, token, deviceID string) error {
	if token == "" || deviceID == "" {
		return errors.Wrap(repoerr.ErrCreateEntity, errors.New("session token or device id is empty"))
	}
	key := fmt.Sprintf("%s:%s", sessionPrefix, token)
	if err := dc.client.Set(ctx, key, deviceID, dc.sessionDuration).Err(); err != nil {
		return errors.Wrap(repoerr.ErrCreateEntity, err)
	}

	return nil
}

func (dc *deviceCache) Session(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", repoerr.ErrNotFound
	}
	key := fmt.Sprintf("%s:%s", sessionPrefix, token)
	deviceID, err := dc.client.Get(ctx, key).Result()
	if err != nil {
		return "", errors.Wrap(repoerr.ErrNotFound, err)
	}

	return deviceID, nil
}

func (dc *deviceCache) RemoveSession(ctx context.Context, token string) error {
	if token == "" {
		return repoerr.ErrNotFound
	}
	key := fmt.Sprintf("%s:%s", sessionPrefix, token)
	if err := dc.client.Del(ctx, key).Err(); err != nil {
		return errors.Wrap(repoerr.ErrRemoveEntity, err)
	}

	return nil
}
