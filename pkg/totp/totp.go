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

// Package totp generates time-based one-time passwords from the
// settings stored in KeePass entries.
package totp // import "zombiezen.com/go/keepdb/pkg/totp"

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"zombiezen.com/go/keepdb/pkg/keepass"
)

// Entry fields that hold TOTP settings.
const (
	// OTPField holds an otpauth:// URI or a KeeOtp parameter string.
	OTPField = "otp"

	// SeedField and SettingsField hold the secret and "step;digits"
	// (or "step;S" for Steam codes).
	SeedField     = "TOTP Seed"
	SettingsField = "TOTP Settings"
)

// Defaults used when a setting is omitted.
const (
	DefaultStep   = 30
	DefaultDigits = 6
)

// ErrNotConfigured is returned by ForEntry when the entry has no TOTP
// settings.
var ErrNotConfigured = errors.New("totp: entry has no TOTP settings")

// A Generator computes codes for a single secret.
type Generator interface {
	// Generate returns the code valid at t.
	Generate(t time.Time) string

	// Period returns how long each code is valid.
	Period() time.Duration

	// ElapsedFraction returns the fraction of the code's period that has
	// passed at t, in [0, 1).
	ElapsedFraction(t time.Time) float64
}

// ForEntry returns the generator configured by e's fields.  The single
// otp field takes precedence over the split seed/settings pair.
func ForEntry(e *keepass.Entry) (Generator, error) {
	if f := e.Field(OTPField); f != nil {
		return Parse(f.Value)
	}
	seed, settings := e.Field(SeedField), e.Field(SettingsField)
	if seed == nil || settings == nil {
		return nil, ErrNotConfigured
	}
	return ParseSplit(seed.Value, settings.Value)
}

// Parse parses an otpauth://totp/ URI or a KeeOtp parameter string such
// as "key=BASE32&step=30&size=6".
func Parse(s string) (Generator, error) {
	s = strings.TrimSpace(s)
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("totp: %v", err)
	}
	switch {
	case strings.EqualFold(u.Scheme, "otpauth"):
		return parseURI(u)
	case u.Scheme == "" && u.Host == "":
		return parseKeeOtp(s)
	default:
		return nil, fmt.Errorf("totp: unrecognized format %q", u.Scheme)
	}
}

func parseURI(u *url.URL) (Generator, error) {
	if !strings.EqualFold(u.Host, "totp") {
		return nil, fmt.Errorf("totp: unsupported OTP type %q", u.Host)
	}
	q := u.Query()
	seed, err := decodeBase32(q.Get("secret"))
	if err != nil {
		return nil, fmt.Errorf("totp: secret: %v", err)
	}
	if alg := q.Get("algorithm"); alg != "" && !strings.EqualFold(alg, "SHA1") {
		return nil, fmt.Errorf("totp: unsupported algorithm %q", alg)
	}
	step, err := intParam(q, "period", DefaultStep)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(q.Get("encoder"), "steam") {
		return NewSteam(seed, step)
	}
	digits, err := intParam(q, "digits", DefaultDigits)
	if err != nil {
		return nil, err
	}
	return NewRFC6238(seed, step, digits)
}

func parseKeeOtp(s string) (Generator, error) {
	q, err := url.ParseQuery(s)
	if err != nil {
		return nil, fmt.Errorf("totp: %v", err)
	}
	seed, err := decodeBase32(q.Get("key"))
	if err != nil {
		return nil, fmt.Errorf("totp: key: %v", err)
	}
	if typ := q.Get("type"); typ != "" && !strings.EqualFold(typ, "totp") {
		return nil, fmt.Errorf("totp: unsupported OTP type %q", typ)
	}
	if alg := q.Get("otpHashMode"); alg != "" && !strings.EqualFold(alg, "sha1") {
		return nil, fmt.Errorf("totp: unsupported algorithm %q", alg)
	}
	step, err := intParam(q, "step", DefaultStep)
	if err != nil {
		return nil, err
	}
	digits, err := intParam(q, "size", DefaultDigits)
	if err != nil {
		return nil, err
	}
	return NewRFC6238(seed, step, digits)
}

func intParam(q url.Values, name string, def int) (int, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("totp: parameter %s: %v", name, err)
	}
	return n, nil
}

// ParseSplit parses the seed and settings fields.  settings is
// "step;digits" or "step;S"; extra settings are ignored.
func ParseSplit(seed, settings string) (Generator, error) {
	key, err := decodeSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("totp: seed: %v", err)
	}
	parts := strings.Split(settings, ";")
	if len(parts) < 2 {
		return nil, fmt.Errorf("totp: settings %q: want \"step;digits\"", settings)
	}
	step, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, fmt.Errorf("totp: time step: %v", err)
	}
	size := strings.TrimSpace(parts[1])
	if size == steamSymbol {
		return NewSteam(key, step)
	}
	digits, err := strconv.Atoi(size)
	if err != nil {
		return nil, fmt.Errorf("totp: unexpected size or type %q", size)
	}
	return NewRFC6238(key, step, digits)
}

// decodeSeed accepts base32, base32hex and base64 secrets, ignoring
// spaces and padding.
func decodeSeed(s string) ([]byte, error) {
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "=", "")
	if b, err := decodeBase32(s); err == nil {
		return b, nil
	}
	if b, err := base32.HexEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(s)); err == nil && len(b) > 0 {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil && len(b) > 0 {
		return b, nil
	}
	return nil, errors.New("not base32 or base64")
}

func decodeBase32(s string) ([]byte, error) {
	s = strings.ToUpper(strings.TrimRight(strings.TrimSpace(s), "="))
	if s == "" {
		return nil, errors.New("empty")
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(s)
}

// counter returns the HOTP counter for t and the fraction of its
// period already passed.
func counter(t time.Time, step int) (uint64, float64) {
	sec, s := t.Unix(), int64(step)
	c, rem := sec/s, sec%s
	if rem < 0 {
		c, rem = c-1, rem+s
	}
	frac := (float64(rem) + float64(t.Nanosecond())/float64(time.Second)) / float64(s)
	return uint64(c), frac
}

// truncatedHMAC is the dynamic truncation of RFC 4226, section 5.3.
func truncatedHMAC(seed []byte, c uint64) uint32 {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], c)
	mac := hmac.New(sha1.New, seed)
	mac.Write(msg[:])
	sum := mac.Sum(nil)
	off := sum[len(sum)-1] & 0x0f
	return binary.BigEndian.Uint32(sum[off:off+4]) & 0x7fffffff
}

// RFC6238 generates numeric codes.
type RFC6238 struct {
	seed   []byte
	step   int
	digits int
}

// NewRFC6238 returns a generator of codes with 4 to 8 digits.
func NewRFC6238(seed []byte, step, digits int) (*RFC6238, error) {
	if len(seed) == 0 {
		return nil, errors.New("totp: empty seed")
	}
	if step <= 0 {
		return nil, fmt.Errorf("totp: invalid time step %d", step)
	}
	if digits < 4 || digits > 8 {
		return nil, fmt.Errorf("totp: invalid number of digits %d", digits)
	}
	return &RFC6238{seed: append([]byte(nil), seed...), step: step, digits: digits}, nil
}

func (g *RFC6238) Generate(t time.Time) string {
	c, _ := counter(t, g.step)
	code := truncatedHMAC(g.seed, c) % uint32(math.Pow10(g.digits))
	return fmt.Sprintf("%0*d", g.digits, code)
}

func (g *RFC6238) Period() time.Duration {
	return time.Duration(g.step) * time.Second
}

func (g *RFC6238) ElapsedFraction(t time.Time) float64 {
	_, f := counter(t, g.step)
	return f
}

// Digits returns the length of generated codes.
func (g *RFC6238) Digits() int {
	return g.digits
}

const (
	steamSymbol = "S"
	steamChars  = "23456789BCDFGHJKMNPQRTVWXY"
	steamLength = 5
)

// Steam generates the five-character codes used by Steam Guard.
type Steam struct {
	seed []byte
	step int
}

// NewSteam returns a Steam Guard generator.
func NewSteam(seed []byte, step int) (*Steam, error) {
	if len(seed) == 0 {
		return nil, errors.New("totp: empty seed")
	}
	if step <= 0 {
		return nil, fmt.Errorf("totp: invalid time step %d", step)
	}
	return &Steam{seed: append([]byte(nil), seed...), step: step}, nil
}

func (g *Steam) Generate(t time.Time) string {
	c, _ := counter(t, g.step)
	code := truncatedHMAC(g.seed, c)
	var sb strings.Builder
	for i := 0; i < steamLength; i++ {
		sb.WriteByte(steamChars[code%uint32(len(steamChars))])
		code /= uint32(len(steamChars))
	}
	return sb.String()
}

func (g *Steam) Period() time.Duration {
	return time.Duration(g.step) * time.Second
}

func (g *Steam) ElapsedFraction(t time.Time) float64 {
	_, f := counter(t, g.step)
	return f
}
