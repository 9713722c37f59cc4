/*
 * Copyright (c) 2026 The Driftlog Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Record defines the on-disk framing for log records.

RECORD FORMAT:
==============
Each record is written as a fixed header followed by the raw payload:

	+---------+------------+-------------------+----------------+---------+
	| Version | CRC32C     | Timestamp         | Payload Length | Payload |
	| 1 byte  | 4 bytes    | 8 bytes (unix ns) | 4 bytes        | N bytes |
	+---------+------------+-------------------+----------------+---------+

All integers are big-endian. The checksum is CRC-32 (Castagnoli) computed
over timestamp + length + payload, so truncation or corruption of any of
those fields is detected. The version byte sits outside the checksum and is
validated separately; a mismatch means the header cannot be trusted at all.

The codec is content-agnostic: payloads are opaque bytes. Any semantic
serialization (schema, compression, encryption) is layered above it.

SANITY LIMIT:
=============
Decoding enforces a maximum payload length. Without it, a corrupt header
could present an absurd length and cause a multi-gigabyte allocation before
the checksum ever gets a chance to fail.
*/
package storage

import (
	"hash/crc32"
	"time"
)

// Header field widths. headerWidth is the fixed prefix of every record.
const (
	recordVersion byte = 1

	verWidth  = 1
	crcWidth  = 4
	tsWidth   = 8
	sizeWidth = 4

	headerWidth = verWidth + crcWidth + tsWidth + sizeWidth // 17 bytes
)

// castagnoli is the CRC-32C table. Castagnoli has hardware support on
// modern CPUs and is the polynomial used by most log-structured stores.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Record is an immutable unit of data read back from the log.
type Record struct {
	// Offset is the logical offset assigned at append time.
	Offset uint64

	// Timestamp is the wall-clock append time in unix nanoseconds.
	Timestamp int64

	// Payload is the raw byte payload, exactly as appended.
	Payload []byte
}

// Time returns the record timestamp as a time.Time.
func (r Record) Time() time.Time {
	return time.Unix(0, r.Timestamp)
}

// EncodeRecord frames a payload with the record header.
// The returned slice is the complete on-disk representation.
func EncodeRecord(payload []byte, timestamp int64) []byte {
	frame := make([]byte, headerWidth+len(payload))
	frame[0] = recordVersion
	enc.PutUint64(frame[verWidth+crcWidth:], uint64(timestamp))
	enc.PutUint32(frame[verWidth+crcWidth+tsWidth:], uint32(len(payload)))
	copy(frame[headerWidth:], payload)
	enc.PutUint32(frame[verWidth:], frameChecksum(frame))
	return frame
}

// frameChecksum computes the CRC over timestamp + length + payload.
func frameChecksum(frame []byte) uint32 {
	return checksumParts(frame[:headerWidth], frame[headerWidth:])
}

// checksumParts computes the same CRC from a separately read header and
// payload, sparing the read path a frame-sized copy.
func checksumParts(hdr, payload []byte) uint32 {
	crc := crc32.Update(0, castagnoli, hdr[verWidth+crcWidth:headerWidth])
	return crc32.Update(crc, castagnoli, payload)
}

// decodeHeader parses and validates a record header.
// It returns the timestamp, payload length and expected checksum.
//
// Validation here is structural only: version byte and length sanity.
// Checksum verification needs the payload and happens in verifyFrame.
func decodeHeader(hdr []byte, maxPayload uint32) (timestamp int64, size uint32, crc uint32, err error) {
	if len(hdr) < headerWidth {
		return 0, 0, 0, ErrInvalidRecord
	}
	if hdr[0] != recordVersion {
		return 0, 0, 0, ErrInvalidRecord
	}
	crc = enc.Uint32(hdr[verWidth:])
	timestamp = int64(enc.Uint64(hdr[verWidth+crcWidth:]))
	size = enc.Uint32(hdr[verWidth+crcWidth+tsWidth:])
	if size > maxPayload {
		return 0, 0, 0, ErrInvalidRecord
	}
	return timestamp, size, crc, nil
}

// verifyFrame checks a complete frame (header + payload) against its
// embedded checksum.
func verifyFrame(frame []byte, crc uint32) error {
	if frameChecksum(frame) != crc {
		return ErrCorruptRecord
	}
	return nil
}

// DecodeRecord decodes and verifies a complete frame. The record offset is
// not part of the on-disk format (it is derived from position within the
// segment), so the returned Record carries offset zero.
func DecodeRecord(frame []byte, maxPayload uint32) (Record, error) {
	ts, size, crc, err := decodeHeader(frame, maxPayload)
	if err != nil {
		return Record{}, err
	}
	if uint64(len(frame)) != uint64(headerWidth)+uint64(size) {
		return Record{}, ErrInvalidRecord
	}
	if err := verifyFrame(frame, crc); err != nil {
		return Record{}, err
	}
	payload := make([]byte, size)
	copy(payload, frame[headerWidth:])
	return Record{Timestamp: ts, Payload: payload}, nil
}
