// Copyright 2016 The Sandpass Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package totp

import (
	"testing"
	"time"

	"zombiezen.com/go/keepdb/pkg/keepass"
)

// base32 of the RFC 6238 SHA-1 test seed "12345678901234567890".
const rfcSeed = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func TestRFC6238Vectors(t *testing.T) {
	g, err := NewRFC6238([]byte("12345678901234567890"), 30, 8)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		unix int64
		code string
	}{
		{59, "94287082"},
		{1111111109, "07081804"},
		{1111111111, "14050471"},
		{1234567890, "89005924"},
		{2000000000, "69279037"},
		{20000000000, "65353130"},
	}
	for _, test := range tests {
		if got := g.Generate(time.Unix(test.unix, 0)); got != test.code {
			t.Errorf("Generate(%d) = %q; want %q", test.unix, got, test.code)
		}
	}
}

func TestEquivalentFormats(t *testing.T) {
	at := time.Unix(1234567890, 0)
	const want = "89005924"
	tests := []struct {
		name  string
		parse func() (Generator, error)
	}{
		{"otpauth", func() (Generator, error) {
			return Parse("otpauth://totp/ACME%20Co:alice@example.com?secret=" + rfcSeed + "&issuer=ACME%20Co&algorithm=SHA1&digits=8&period=30")
		}},
		{"otpauth lowercase secret", func() (Generator, error) {
			return Parse("otpauth://totp/alice?secret=gezdgnbvgy3tqojqgezdgnbvgy3tqojq&digits=8")
		}},
		{"KeeOtp", func() (Generator, error) {
			return Parse("key=" + rfcSeed + "&step=30&size=8&type=TOTP")
		}},
		{"split", func() (Generator, error) {
			return ParseSplit("GEZD GNBV GY3T QOJQ GEZD GNBV GY3T QOJQ", "30;8")
		}},
		{"split base32hex", func() (Generator, error) {
			return ParseSplit("64P36D1L6ORJGE9G64P36D1L6ORJGE9G", "30;8")
		}},
		{"split base64", func() (Generator, error) {
			return ParseSplit("MTIzNDU2Nzg5MDEyMzQ1Njc4OTA=", "30;8;extra")
		}},
	}
	for _, test := range tests {
		g, err := test.parse()
		if err != nil {
			t.Errorf("%s: %v", test.name, err)
			continue
		}
		if got := g.Generate(at); got != want {
			t.Errorf("%s: Generate = %q; want %q", test.name, got, want)
		}
		if g.Period() != 30*time.Second {
			t.Errorf("%s: Period() = %v; want 30s", test.name, g.Period())
		}
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		s    string
	}{
		{"hotp", "otpauth://hotp/alice?secret=" + rfcSeed},
		{"no secret", "otpauth://totp/alice?digits=6"},
		{"sha256", "otpauth://totp/alice?secret=" + rfcSeed + "&algorithm=SHA256"},
		{"bad digits", "otpauth://totp/alice?secret=" + rfcSeed + "&digits=many"},
		{"too many digits", "otpauth://totp/alice?secret=" + rfcSeed + "&digits=9"},
		{"zero period", "otpauth://totp/alice?secret=" + rfcSeed + "&period=0"},
		{"other scheme", "https://example.com/?secret=" + rfcSeed},
		{"KeeOtp hotp", "key=" + rfcSeed + "&type=hotp"},
	}
	for _, test := range tests {
		if g, err := Parse(test.s); err == nil {
			t.Errorf("%s: Parse(%q) = %v; want error", test.name, test.s, g)
		}
	}

	splits := []struct {
		seed, settings string
	}{
		{rfcSeed, "30"},
		{rfcSeed, "0;6"},
		{rfcSeed, "30;X"},
		{"!!!", "30;6"},
	}
	for _, test := range splits {
		if g, err := ParseSplit(test.seed, test.settings); err == nil {
			t.Errorf("ParseSplit(%q, %q) = %v; want error", test.seed, test.settings, g)
		}
	}
}

func TestSteam(t *testing.T) {
	tests := []struct {
		name  string
		parse func() (Generator, error)
	}{
		{"split", func() (Generator, error) { return ParseSplit(rfcSeed, "30;S") }},
		{"otpauth encoder", func() (Generator, error) {
			return Parse("otpauth://totp/Steam:alice?secret=" + rfcSeed + "&issuer=Steam&encoder=steam")
		}},
	}
	for _, test := range tests {
		g, err := test.parse()
		if err != nil {
			t.Errorf("%s: %v", test.name, err)
			continue
		}
		if _, ok := g.(*Steam); !ok {
			t.Errorf("%s: generator is %T; want *Steam", test.name, g)
		}
		if got := g.Generate(time.Unix(59, 0)); got != "PV9M4" {
			t.Errorf("%s: Generate(59) = %q; want \"PV9M4\"", test.name, got)
		}
		if got := g.Generate(time.Unix(1234567890, 0)); got != "VHHQY" {
			t.Errorf("%s: Generate(1234567890) = %q; want \"VHHQY\"", test.name, got)
		}
	}
}

func TestElapsedFraction(t *testing.T) {
	g, err := NewRFC6238([]byte("12345678901234567890"), 30, 6)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		t    time.Time
		want float64
	}{
		{time.Unix(60, 0), 0},
		{time.Unix(75, 0), 0.5},
		{time.Unix(89, 500000000), 29.5 / 30},
	}
	for _, test := range tests {
		if got := g.ElapsedFraction(test.t); got != test.want {
			t.Errorf("ElapsedFraction(%v) = %g; want %g", test.t.Unix(), got, test.want)
		}
	}
}

func TestForEntry(t *testing.T) {
	e := keepass.NewDetachedEntry(keepass.FormatKDBX4)
	if _, err := ForEntry(e); err != ErrNotConfigured {
		t.Errorf("ForEntry(empty) error = %v; want %v", err, ErrNotConfigured)
	}

	e.SetField(SeedField, rfcSeed)
	if _, err := ForEntry(e); err != ErrNotConfigured {
		t.Errorf("ForEntry(seed only) error = %v; want %v", err, ErrNotConfigured)
	}
	e.SetField(SettingsField, "30;8")
	split, err := ForEntry(e)
	if err != nil {
		t.Fatal("ForEntry(split):", err)
	}

	// The otp field wins over the split fields.
	e.SetField(OTPField, "otpauth://totp/alice?secret="+rfcSeed+"&digits=6")
	single, err := ForEntry(e)
	if err != nil {
		t.Fatal("ForEntry(otp):", err)
	}
	at := time.Unix(59, 0)
	if got := split.Generate(at); got != "94287082" {
		t.Errorf("split code = %q; want \"94287082\"", got)
	}
	if got := single.Generate(at); got != "287082" {
		t.Errorf("otp code = %q; want \"287082\"", got)
	}
}
