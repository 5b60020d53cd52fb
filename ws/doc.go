// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

// Package ws contains the websocket adapter: the registry of live
// bidirectional sessions and the per-kind protocol handlers that connect
// devices and customers to the command queue and the fanout relay.
package ws
