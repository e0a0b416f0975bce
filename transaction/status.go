// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package transaction

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a transaction. It only ever moves from
// StatusRunning to one of the two terminal states.
type Status int32

const (
	StatusUndefined Status = iota
	StatusRunning
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusUndefined:
		return "undefined"
	case StatusRunning:
		return "running"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(text []byte) error {
	for _, c := range []Status{StatusUndefined, StatusRunning, StatusCommitted, StatusAborted} {
		if strings.EqualFold(string(text), c.String()) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown transaction status %q", text)
}

// Finished reports whether s is terminal.
func (s Status) Finished() bool {
	return s == StatusCommitted || s == StatusAborted
}

// AccessMode is how a transaction, or a lease on it, uses a collection.
// Modes are ordered; a stronger mode implies the weaker ones.
type AccessMode int

const (
	AccessNone AccessMode = iota
	AccessRead
	AccessWrite
	AccessExclusive
)

func (a AccessMode) String() string {
	switch a {
	case AccessNone:
		return "none"
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExclusive:
		return "exclusive"
	}
	return fmt.Sprintf("AccessMode(%d)", int(a))
}

func (a AccessMode) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *AccessMode) UnmarshalText(text []byte) error {
	for _, m := range []AccessMode{AccessNone, AccessRead, AccessWrite, AccessExclusive} {
		if strings.EqualFold(string(text), m.String()) {
			*a = m
			return nil
		}
	}
	return fmt.Errorf("unknown access mode %q", text)
}

// Hints are flags describing how a transaction was created.
type Hints uint8

const (
	// HintFollower marks a transaction replicated from a leader.
	HintFollower Hints = 1 << iota
	// HintSingleOperation marks a transaction covering one operation.
	HintSingleOperation
)

func (h Hints) Has(o Hints) bool { return h&o == o }
