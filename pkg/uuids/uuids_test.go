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

package uuids

import (
	"strings"
	"testing"
)

var aesCipher = UUID{0x31, 0xc1, 0xf2, 0xe6, 0xbf, 0x71, 0x43, 0x50, 0xbe, 0x58, 0x05, 0x21, 0x6a, 0xfc, 0x5a, 0xff}

func TestParse(t *testing.T) {
	tests := []struct {
		s    string
		u    UUID
		fail bool
	}{
		{s: "31c1f2e6-bf71-4350-be58-05216afc5aff", u: aesCipher},
		{s: "31C1F2E6BF714350BE5805216AFC5AFF", u: aesCipher},
		{s: "00000000-0000-0000-0000-000000000000", u: UUID{}},
		{s: "", fail: true},
		{s: "31c1f2e6bf714350be5805216afc5af", fail: true},
		{s: "31c1f2e6bf714350be5805216afc5affaa", fail: true},
		{s: "XXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXX", fail: true},
	}
	for _, test := range tests {
		u, err := Parse(test.s)
		if (err != nil) != test.fail {
			t.Errorf("Parse(%q) error = %v; want fail=%t", test.s, err, test.fail)
			continue
		}
		if u != test.u {
			t.Errorf("Parse(%q) = %v; want %v", test.s, u, test.u)
		}
	}
}

func TestString(t *testing.T) {
	if got, want := aesCipher.String(), "31c1f2e6-bf71-4350-be58-05216afc5aff"; got != want {
		t.Errorf("String() = %q; want %q", got, want)
	}
	if got, want := string(aesCipher.AppendHex([]byte("id="))), "id=31c1f2e6-bf71-4350-be58-05216afc5aff"; got != want {
		t.Errorf("AppendHex(\"id=\") = %q; want %q", got, want)
	}
}

func TestBase64(t *testing.T) {
	s := aesCipher.Base64()
	if s != "McHy5r9xQ1C+WAUhavxa/w==" {
		t.Errorf("Base64() = %q", s)
	}
	u, err := ParseBase64(s)
	if err != nil {
		t.Fatal(err)
	}
	if u != aesCipher {
		t.Errorf("ParseBase64(%q) = %v; want %v", s, u, aesCipher)
	}
	if u, err := ParseBase64(""); err != nil || !u.IsZero() {
		t.Errorf("ParseBase64(\"\") = %v, %v; want zero, <nil>", u, err)
	}
	if _, err := ParseBase64("AAAA"); err == nil {
		t.Error("ParseBase64 of 3 bytes succeeded")
	}
}

func TestNew(t *testing.T) {
	const random = "\xf0\xf1\xf2\xf3\xf4\xf5\xf6\xf7\xf8\xf9\xfa\xfb\xfc\xfd\xfe\xff"
	u, err := New(strings.NewReader(random))
	if err != nil {
		t.Fatal("New error:", err)
	}
	if version := u[6] >> 4; version != 4 {
		t.Errorf("New() = %v, version = %d; want 4", u, version)
	}
	if variant := u[8] >> 6; variant != 2 {
		t.Errorf("New() = %v, variant bits = %b; want 10", u, variant)
	}
	if _, err := New(strings.NewReader("short")); err == nil {
		t.Error("New with short reader succeeded")
	}
}
