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

//go:build linux

package storage

import (
	"os"

	"golang.org/x/sys/unix"
)

// datasync forces file data to stable storage. fdatasync skips the inode
// metadata update when only the file length changed, which is the common
// case for an append-only store.
func datasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
