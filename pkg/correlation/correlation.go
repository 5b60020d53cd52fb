// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

// Package correlation matches asynchronous replies to the requests that
// triggered them. The bidirectional session protocol is not request/response,
// so every outbound message carries an opaque correlation id that the peer
// echoes back on its reply.
package correlation

import (
	"encoding/json"

	"github.com/fleetbus/fleetbus"
	"github.com/fleetbus/fleetbus/pkg/errors"
)

// Field is the envelope key carrying the correlation id.
const Field = "correlationId"

// ErrGeneratingID indicates failure to mint a correlation id.
var ErrGeneratingID = errors.New("failed to generate correlation id")

// Tracker stamps and extracts correlation ids on raw JSON envelopes.
type Tracker struct {
	idProvider fleetbus.IDProvider
}

// New returns a Tracker backed by the given id provider.
func New(idp fleetbus.IDProvider) Tracker {
	return Tracker{idProvider: idp}
}

// NewID mints a fresh correlation id.
func (t Tracker) NewID() (string, error) {
	id, err := t.idProvider.ID()
	if err != nil {
		return "", errors.Wrap(ErrGeneratingID, err)
	}
	return id, nil
}

// Stamp sets the correlation id on the envelope, minting one when id is
// empty, and returns the id used.
func (t Tracker) Stamp(envelope map[string]interface{}, id string) (string, error) {
	if id == "" {
		var err error
		if id, err = t.NewID(); err != nil {
			return "", err
		}
	}
	envelope[Field] = id

	return id, nil
}

// Extract reads the correlation id from a raw inbound message. It returns an
// empty string when the message carries none or is not a JSON object.
func Extract(raw []byte) string {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ""
	}

	field, ok := envelope[Field]
	if !ok {
		return ""
	}

	var id string
	if err := json.Unmarshal(field, &id); err != nil {
		return ""
	}

	return id
}
