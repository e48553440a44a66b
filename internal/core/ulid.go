// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package core

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// NewULID generates a new ULID.
func NewULID() ulid.ULID {
	return newULIDAt(time.Now())
}

func newULIDAt(t time.Time) ulid.ULID {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy)
}

// ParseULID parses a ULID string.
func ParseULID(s string) (ulid.ULID, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return ulid.ULID{}, oops.With("id", s).Wrapf(err, "invalid ULID %q", s)
	}
	return id, nil
}

// NewEventID derives an envelope id from the run id, kind and publish time.
// The ULID suffix encodes ts and stays unique for publishes within the same millisecond.
func NewEventID(runID string, kind Kind, ts time.Time) string {
	if runID == "" {
		runID = "-"
	}
	return runID + "/" + string(kind) + "/" + newULIDAt(ts).String()
}
