// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package transaction

import (
	"bytes"
	"math"
	"time"

	json "github.com/goccy/go-json"
)

// Options are the per-transaction settings of a managed transaction. Zero
// durations and sizes mean "use the manager's default".
type Options struct {
	LockTimeout        time.Duration
	IdleTimeout        time.Duration
	MaxTransactionSize uint64
	WaitForSync        bool
	AllowImplicit      bool
}

// Spec is a parsed collections specification: which collections the
// transaction declares, per access mode, and its options.
type Spec struct {
	Read      []string
	Write     []string
	Exclusive []string

	Options Options
}

// stringList accepts either a single string or an array of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = stringList{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*l = list
	return nil
}

type specJSON struct {
	Collections *struct {
		Read      stringList `json:"read"`
		Write     stringList `json:"write"`
		Exclusive stringList `json:"exclusive"`
	} `json:"collections"`

	LockTimeout        *float64 `json:"lockTimeout"`
	TTL                *float64 `json:"ttl"`
	MaxTransactionSize *float64 `json:"maxTransactionSize"`
	WaitForSync        bool     `json:"waitForSync"`
	AllowImplicit      *bool    `json:"allowImplicit"`
}

// ParseSpec parses a collections specification such as
//
//	{"collections": {"read": "users", "write": ["orders", "audit"]},
//	 "lockTimeout": 5, "ttl": 30}
//
// lockTimeout and ttl are in seconds. allowImplicit defaults to true.
// Every malformed input yields an ErrBadParameter error.
func ParseSpec(data []byte) (*Spec, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, newErrBadSpec("empty body")
	}
	var raw specJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, newErrBadSpec("%v", err)
	}
	if raw.Collections == nil {
		return nil, newErrBadSpec("missing 'collections' attribute")
	}

	spec := &Spec{
		Read:      raw.Collections.Read,
		Write:     raw.Collections.Write,
		Exclusive: raw.Collections.Exclusive,
		Options:   Options{AllowImplicit: true, WaitForSync: raw.WaitForSync},
	}
	for _, list := range [][]string{spec.Read, spec.Write, spec.Exclusive} {
		for _, name := range list {
			if name == "" {
				return nil, newErrBadSpec("empty collection name")
			}
		}
	}

	var err error
	if spec.Options.LockTimeout, err = seconds("lockTimeout", raw.LockTimeout); err != nil {
		return nil, err
	}
	if spec.Options.IdleTimeout, err = seconds("ttl", raw.TTL); err != nil {
		return nil, err
	}
	if raw.MaxTransactionSize != nil {
		v := *raw.MaxTransactionSize
		if v < 0 || v != math.Trunc(v) || v >= math.MaxUint64 {
			return nil, newErrBadSpec("'maxTransactionSize' must be a non-negative integer below 2^64")
		}
		spec.Options.MaxTransactionSize = uint64(v)
	}
	if raw.AllowImplicit != nil {
		spec.Options.AllowImplicit = *raw.AllowImplicit
	}
	return spec, nil
}

// maxSeconds is the longest duration, in seconds, that fits a time.Duration.
const maxSeconds = math.MaxInt64 / float64(time.Second)

func seconds(name string, v *float64) (time.Duration, error) {
	if v == nil {
		return 0, nil
	}
	if *v < 0 || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0, newErrBadSpec("'%s' must be a non-negative number of seconds", name)
	}
	if *v >= maxSeconds {
		return 0, newErrBadSpec("'%s' must be below %.0f seconds", name, maxSeconds)
	}
	return time.Duration(*v * float64(time.Second)), nil
}

// modes merges the declared lists into collection name → strongest mode.
func (s *Spec) modes() map[string]AccessMode {
	m := make(map[string]AccessMode, len(s.Read)+len(s.Write)+len(s.Exclusive))
	set := func(names []string, mode AccessMode) {
		for _, n := range names {
			if m[n] < mode {
				m[n] = mode
			}
		}
	}
	set(s.Read, AccessRead)
	set(s.Write, AccessWrite)
	set(s.Exclusive, AccessExclusive)
	return m
}
