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

// Package pwgen generates random passwords and passphrases.
package pwgen // import "zombiezen.com/go/keepdb/pkg/pwgen"

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"github.com/samber/lo"
)

const (
	upperLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowerLetters = "abcdefghijklmnopqrstuvwxyz"
	digits       = "0123456789"
	symbols      = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

	// lookAlikes are characters that are easily confused when read.
	lookAlikes = "0O1lI|"
)

// Set selects character classes.
type Set uint8

// Character classes.
const (
	Upper Set = 1 << iota
	Lower
	Digits
	Symbols

	DefaultSet = Upper | Lower | Digits
)

// Charset returns the characters in set.  If excludeLookAlikes is true,
// characters that are easily confused are left out.
func Charset(set Set, excludeLookAlikes bool) []byte {
	cs := make([]byte, 0, len(upperLetters)+len(lowerLetters)+len(digits)+len(symbols))
	if set&Upper != 0 {
		cs = append(cs, upperLetters...)
	}
	if set&Lower != 0 {
		cs = append(cs, lowerLetters...)
	}
	if set&Digits != 0 {
		cs = append(cs, digits...)
	}
	if set&Symbols != 0 {
		cs = append(cs, symbols...)
	}
	if excludeLookAlikes {
		cs = lo.Filter(cs, func(c byte, _ int) bool {
			return strings.IndexByte(lookAlikes, c) == -1
		})
	}
	return lo.Uniq(cs)
}

// Password returns a password of n characters drawn uniformly from set.
// r defaults to crypto/rand.Reader.
func Password(r io.Reader, n int, set []byte) (string, error) {
	if n < 1 {
		return "", fmt.Errorf("pwgen: invalid length %d", n)
	}
	if len(set) == 0 {
		return "", errors.New("pwgen: empty character set")
	}
	pw := make([]byte, n)
	for i := range pw {
		j, err := randInt(r, len(set))
		if err != nil {
			return "", err
		}
		pw[i] = set[j]
	}
	return string(pw), nil
}

// A WordList is a source of passphrase words.
type WordList struct {
	words       []string
	possessives []string
}

// DefaultWordsFile is the word list found on most Unix systems.
const DefaultWordsFile = "/usr/share/dict/words"

// ReadWordList reads words, one per line.  Blank lines are skipped.
func ReadWordList(r io.Reader) (*WordList, error) {
	wl := &WordList{
		words:       make([]string, 0, 100000),
		possessives: make([]string, 0, 10000),
	}
	ws := bufio.NewScanner(r)
	for ws.Scan() {
		w := strings.TrimSpace(ws.Text())
		switch {
		case w == "":
		case strings.HasSuffix(w, "'s"):
			wl.possessives = append(wl.possessives, w)
		default:
			wl.words = append(wl.words, w)
		}
	}
	if err := ws.Err(); err != nil {
		return nil, fmt.Errorf("pwgen: read word list: %w", err)
	}
	if len(wl.words) == 0 {
		return nil, errors.New("pwgen: word list is empty")
	}
	return wl, nil
}

// LoadWordList reads a word list from a file.
func LoadWordList(path string) (*WordList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pwgen: %w", err)
	}
	defer f.Close()
	return ReadWordList(f)
}

// Len returns the number of words, not counting possessives.
func (wl *WordList) Len() int {
	return len(wl.words)
}

// Passphrase returns numWords words separated by spaces.  If
// includePossessives is true, possessive forms may be chosen too.
// r defaults to crypto/rand.Reader.
func Passphrase(r io.Reader, wl *WordList, numWords int, includePossessives bool) (string, error) {
	if numWords < 1 {
		return "", fmt.Errorf("pwgen: invalid number of words %d", numWords)
	}
	max := len(wl.words)
	if includePossessives {
		max += len(wl.possessives)
	}
	var buf bytes.Buffer
	for i := 0; i < numWords; i++ {
		w, err := randInt(r, max)
		if err != nil {
			return "", err
		}
		if i > 0 {
			buf.WriteByte(' ')
		}
		if w < len(wl.words) {
			buf.WriteString(wl.words[w])
		} else {
			buf.WriteString(wl.possessives[w-len(wl.words)])
		}
	}
	return buf.String(), nil
}

func randInt(r io.Reader, n int) (int, error) {
	if r == nil {
		r = rand.Reader
	}
	i, err := rand.Int(r, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("pwgen: %w", err)
	}
	return int(i.Int64()), nil
}
