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

package storage

import "errors"

var (
	// ErrSegmentFull indicates the active segment has reached its configured
	// maximum size. The log reacts by rotating; callers of Log.Append never
	// observe this error.
	ErrSegmentFull = errors.New("storage: segment is full")

	// ErrSegmentSealed indicates an append was attempted against a sealed
	// (immutable) segment.
	ErrSegmentSealed = errors.New("storage: segment is sealed")

	// ErrOffsetOutOfRange indicates the requested offset has not been
	// written yet (offset >= high watermark).
	ErrOffsetOutOfRange = errors.New("storage: offset out of range")

	// ErrOffsetTrimmed indicates the requested offset was deleted by the
	// retention policy (offset < low watermark).
	ErrOffsetTrimmed = errors.New("storage: offset trimmed by retention")

	// ErrOffsetNotFound indicates an offset inside the readable range could
	// not be located. Given the contiguous-offset invariant this signals an
	// internal consistency fault, not a caller mistake.
	ErrOffsetNotFound = errors.New("storage: offset not found")

	// ErrCorruptRecord indicates a checksum mismatch or an undecodable
	// record header in a sealed, previously flushed region of the log.
	ErrCorruptRecord = errors.New("storage: corrupt record")

	// ErrRecordTooLarge indicates the payload exceeds MaxRecordBytes.
	ErrRecordTooLarge = errors.New("storage: record exceeds maximum size")

	// ErrInvalidRecord indicates a record header that cannot be valid:
	// unknown format version or a length field beyond the configured
	// maximum. This is the defense against interpreting garbage as a huge
	// read request.
	ErrInvalidRecord = errors.New("storage: invalid record header")
)
