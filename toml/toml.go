// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package toml holds value types which read and write human friendly text
// in configuration files.
package toml

import (
	"strings"
	"time"

	units "github.com/docker/go-units"
)

// Duration is a TOML wrapper type for time.Duration.
type Duration time.Duration

// String returns the string representation of the duration.
func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalText parses a TOML value into a duration value.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = Duration(v)
	return nil
}

// MarshalText writes duration value in text format.
func (d Duration) MarshalText() (text []byte, err error) {
	return []byte(d.String()), nil
}

// ByteSize is a number of bytes which reads and writes binary-unit strings
// such as "8MiB" or "512KiB".
type ByteSize int64

// String returns the size in binary units.
func (b ByteSize) String() string {
	return strings.ReplaceAll(units.BytesSize(float64(b)), " ", "")
}

// UnmarshalText accepts either a plain byte count or a unit suffixed size.
// Both "MB" and "MiB" are read as powers of 1024.
func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := units.RAMInBytes(string(text))
	if err != nil {
		return err
	}
	*b = ByteSize(v)
	return nil
}

// MarshalText writes the size in binary units.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Type lets ByteSize and Duration be used as pflag values.
func (b *ByteSize) Type() string { return "bytesize" }

// Set implements pflag.Value.
func (b *ByteSize) Set(s string) error { return b.UnmarshalText([]byte(s)) }

// Type implements pflag.Value.
func (d *Duration) Type() string { return "duration" }

// Set implements pflag.Value.
func (d *Duration) Set(s string) error { return d.UnmarshalText([]byte(s)) }
