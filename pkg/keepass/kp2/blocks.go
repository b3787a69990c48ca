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
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"math"

	"zombiezen.com/go/keepdb/pkg/secure"
)

// blockSize is the payload size of every block but the last.
const blockSize = 1 << 20

// readHashedBlocks reassembles a KDBX 3.1 payload from its
// index-hash-length-data blocks.  Bytes after the terminating empty
// block are ignored.
func readHashedBlocks(data []byte) ([]byte, error) {
	var out bytes.Buffer
	for index := uint32(0); ; index++ {
		if len(data) < 40 {
			return nil, errPrematureEnd
		}
		gotIndex := binary.LittleEndian.Uint32(data[0:4])
		var hash [32]byte
		copy(hash[:], data[4:36])
		n := binary.LittleEndian.Uint32(data[36:40])
		data = data[40:]
		detail := fmt.Sprintf("block %d", index)
		if gotIndex != index {
			return nil, &FormatError{Kind: BlockHashMismatch, Detail: detail}
		}
		if n == 0 {
			if hash != [32]byte{} {
				return nil, &FormatError{Kind: BlockHashMismatch, Detail: detail}
			}
			return out.Bytes(), nil
		}
		if uint64(len(data)) < uint64(n) {
			return nil, errPrematureEnd
		}
		block := data[:n]
		data = data[n:]
		if sha256.Sum256(block) != hash {
			return nil, &FormatError{Kind: BlockHashMismatch, Detail: detail}
		}
		out.Write(block)
	}
}

// writeHashedBlocks splits data into KDBX 3.1 hashed blocks.
func writeHashedBlocks(buf *bytes.Buffer, data []byte) {
	var index uint32
	for len(data) > 0 {
		n := len(data)
		if n > blockSize {
			n = blockSize
		}
		block := data[:n]
		data = data[n:]
		sum := sha256.Sum256(block)
		binary.Write(buf, binary.LittleEndian, index)
		buf.Write(sum[:])
		binary.Write(buf, binary.LittleEndian, uint32(n))
		buf.Write(block)
		index++
	}
	binary.Write(buf, binary.LittleEndian, index)
	buf.Write(make([]byte, 32))
	binary.Write(buf, binary.LittleEndian, uint32(0))
}

// hmacKey derives the base HMAC key of a KDBX 4 file.
func hmacKey(masterSeed []byte, transformedKey *secure.Bytes) *secure.Bytes {
	pre := secure.Concat(masterSeed, transformedKey.Bytes(), []byte{1})
	defer pre.Erase()
	return pre.SHA512()
}

// blockKey derives the HMAC key for one block.  The header uses index
// math.MaxUint64.
func blockKey(base *secure.Bytes, index uint64) []byte {
	h := sha512.New()
	binary.Write(h, binary.LittleEndian, index)
	h.Write(base.Bytes())
	return h.Sum(nil)
}

func blockHMAC(base *secure.Bytes, index uint64, block []byte) []byte {
	key := blockKey(base, index)
	defer secure.Wipe(key)
	mac := hmac.New(sha256.New, key)
	binary.Write(mac, binary.LittleEndian, index)
	binary.Write(mac, binary.LittleEndian, uint32(len(block)))
	mac.Write(block)
	return mac.Sum(nil)
}

func headerHMAC(base *secure.Bytes, raw []byte) []byte {
	key := blockKey(base, math.MaxUint64)
	defer secure.Wipe(key)
	mac := hmac.New(sha256.New, key)
	mac.Write(raw)
	return mac.Sum(nil)
}

// readHMACBlocks reassembles a KDBX 4 ciphertext from its
// HMAC-length-data blocks.
func readHMACBlocks(data []byte, base *secure.Bytes) ([]byte, error) {
	var out bytes.Buffer
	for index := uint64(0); ; index++ {
		if len(data) < 36 {
			return nil, errPrematureEnd
		}
		mac := data[0:32]
		n := int32(binary.LittleEndian.Uint32(data[32:36]))
		data = data[36:]
		if n < 0 || int64(len(data)) < int64(n) {
			return nil, errPrematureEnd
		}
		block := data[:n]
		data = data[n:]
		if !hmac.Equal(mac, blockHMAC(base, index, block)) {
			return nil, &FormatError{Kind: BlockHMACMismatch, Detail: fmt.Sprintf("block %d", index)}
		}
		if n == 0 {
			return out.Bytes(), nil
		}
		out.Write(block)
	}
}

// writeHMACBlocks splits data into KDBX 4 HMAC blocks.
func writeHMACBlocks(buf *bytes.Buffer, data []byte, base *secure.Bytes) {
	var index uint64
	for {
		n := len(data)
		if n > blockSize {
			n = blockSize
		}
		block := data[:n]
		data = data[n:]
		buf.Write(blockHMAC(base, index, block))
		binary.Write(buf, binary.LittleEndian, uint32(n))
		buf.Write(block)
		if n == 0 {
			return
		}
		index++
	}
}
