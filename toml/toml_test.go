// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package toml_test

import (
	"testing"
	"time"

	"github.com/featurebasedb/plantx/toml"
)

func TestDuration(t *testing.T) {
	var d toml.Duration
	if err := d.UnmarshalText([]byte("15m")); err != nil {
		t.Fatalf("unmarshalling: %v", err)
	}
	if time.Duration(d) != 15*time.Minute {
		t.Fatalf("unexpected duration: %v", d)
	}
	if b, _ := d.MarshalText(); string(b) != "15m0s" {
		t.Fatalf("unexpected text: %s", b)
	}
	if err := d.Set("nope"); err == nil {
		t.Fatal("expected error parsing garbage")
	}
}

func TestByteSize(t *testing.T) {
	tests := []struct {
		in  string
		exp toml.ByteSize
		out string
	}{
		{in: "8MiB", exp: 8 << 20, out: "8MiB"},
		{in: "2MB", exp: 2 << 20, out: "2MiB"},
		{in: "512KiB", exp: 512 << 10, out: "512KiB"},
		{in: "100", exp: 100, out: "100B"},
	}
	for _, tst := range tests {
		t.Run(tst.in, func(t *testing.T) {
			var b toml.ByteSize
			if err := b.Set(tst.in); err != nil {
				t.Fatalf("parsing %q: %v", tst.in, err)
			}
			if b != tst.exp {
				t.Fatalf("expected %d, got %d", tst.exp, b)
			}
			if b.String() != tst.out {
				t.Fatalf("expected %q, got %q", tst.out, b.String())
			}
		})
	}

	var b toml.ByteSize
	if err := b.UnmarshalText([]byte("lots")); err == nil {
		t.Fatal("expected error parsing garbage")
	}
}
