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

package keys

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"zombiezen.com/go/keepdb/pkg/secure"
)

type xmlKeyFile struct {
	XMLName xml.Name `xml:"KeyFile"`
	Meta    struct {
		Version string `xml:"Version"`
	} `xml:"Meta"`
	Key struct {
		Data struct {
			Hash  string `xml:"Hash,attr"`
			Value string `xml:",chardata"`
		} `xml:"Data"`
	} `xml:"Key"`
}

var errXMLKeyFile = errors.New("keys: not an XML key file")

// parseXMLKeyFile extracts the key from a KeePass 2 XML key file.
// Version 1.0 stores the key in base64.  Version 2.0 stores it in hex,
// possibly broken by whitespace, along with a 4-byte SHA-256 prefix
// used to check it.
func parseXMLKeyFile(data []byte) (*secure.Bytes, error) {
	if !bytes.Contains(data, []byte("<KeyFile")) {
		return nil, errXMLKeyFile
	}
	var kf xmlKeyFile
	if err := xml.Unmarshal(data, &kf); err != nil {
		return nil, errXMLKeyFile
	}
	value := strings.Join(strings.Fields(kf.Key.Data.Value), "")
	if value == "" {
		return nil, errXMLKeyFile
	}
	switch {
	case strings.HasPrefix(kf.Meta.Version, "1."):
		k, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("keys: key file data: %w", err)
		}
		return secure.New(k), nil
	case strings.HasPrefix(kf.Meta.Version, "2."):
		k, err := hex.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("keys: key file data: %w", err)
		}
		if kf.Key.Data.Hash != "" {
			sum := sha256.Sum256(k)
			want, err := hex.DecodeString(kf.Key.Data.Hash)
			if err != nil || len(want) != 4 || !bytes.Equal(want, sum[:4]) {
				secure.Wipe(k)
				return nil, errors.New("keys: key file hash mismatch")
			}
		}
		return secure.New(k), nil
	default:
		return nil, fmt.Errorf("keys: unsupported key file version %q", kf.Meta.Version)
	}
}

// GenerateKeyFile writes a new version 2.0 XML key file holding 32 random
// bytes read from rand.
func GenerateKeyFile(w io.Writer, rand io.Reader) error {
	k := make([]byte, KeySize)
	defer secure.Wipe(k)
	if _, err := io.ReadFull(rand, k); err != nil {
		return fmt.Errorf("generate key file: %w", err)
	}
	sum := sha256.Sum256(k)
	h := strings.ToUpper(hex.EncodeToString(k))
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString("<KeyFile>\n\t<Meta>\n\t\t<Version>2.0</Version>\n\t</Meta>\n\t<Key>\n")
	fmt.Fprintf(&buf, "\t\t<Data Hash=\"%X\">\n", sum[:4])
	for i := 0; i < len(h); i += 32 {
		buf.WriteString("\t\t\t")
		for j := i; j < i+32; j += 8 {
			if j > i {
				buf.WriteByte(' ')
			}
			buf.WriteString(h[j : j+8])
		}
		buf.WriteByte('\n')
	}
	buf.WriteString("\t\t</Data>\n\t</Key>\n</KeyFile>\n")
	_, err := w.Write(buf.Bytes())
	return err
}
