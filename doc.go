// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

// Package fleetbus holds the interfaces shared by all fleetbus services.
package fleetbus
