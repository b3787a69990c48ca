// Copyright 2016 Ross Light
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

package kp2

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"io"
	"strings"

	"zombiezen.com/go/keepdb/pkg/progress"
	"zombiezen.com/go/keepdb/pkg/secure"
	"zombiezen.com/go/keepdb/pkg/streamcipher"
)

const protectedAttr = "Protected"

func isProtected(start xml.StartElement) bool {
	for _, attr := range start.Attr {
		if attr.Name.Local == protectedAttr && strings.EqualFold(attr.Value, "true") {
			return true
		}
	}
	return false
}

// xorProtected copies an XML document, replacing the base64 text of every
// element marked Protected="True" with the base64 of that text XORed
// with the inner stream.  Values are processed in document order, so the
// same function both reveals a loaded document and hides one about to be
// saved.  Everything outside protected values is copied byte for byte.
func xorProtected(ctx context.Context, doc []byte, c streamcipher.Cipher) ([]byte, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	out := new(bytes.Buffer)
	out.Grow(len(doc))
	var (
		copied      int // doc[:copied] has been written to out
		valueStart  int // offset just past the protected start tag
		inProtected bool
		text        []byte
	)
	defer func() { secure.Wipe(text) }()
	for {
		off := int(dec.InputOffset())
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &FormatError{Kind: ParsingError, Err: err}
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if inProtected {
				return nil, &FormatError{Kind: ParsingError, Detail: "element inside protected value " + t.Name.Local}
			}
			if isProtected(t) {
				inProtected = true
				valueStart = int(dec.InputOffset())
				text = text[:0]
			}
		case xml.CharData:
			if inProtected {
				text = append(text, t...)
			}
		case xml.EndElement:
			if !inProtected {
				break
			}
			inProtected = false
			val, err := xorValue(ctx, text, c)
			if err != nil {
				return nil, err
			}
			// For a self-closing element, valueStart == off.
			out.Write(doc[copied:valueStart])
			out.Write(val)
			copied = off
		}
	}
	out.Write(doc[copied:])
	return out.Bytes(), nil
}

func xorValue(ctx context.Context, text []byte, c streamcipher.Cipher) ([]byte, error) {
	s := strings.TrimSpace(string(text))
	if s == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &FormatError{Kind: ParsingError, Detail: "protected value", Err: err}
	}
	defer secure.Wipe(b)
	if err := c.XOR(ctx, b, nil); err != nil {
		return nil, err
	}
	if err := progress.Check(ctx); err != nil {
		return nil, err
	}
	return []byte(base64.StdEncoding.EncodeToString(b)), nil
}
