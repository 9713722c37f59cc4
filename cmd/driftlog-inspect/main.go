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
Driftlog Inspect - Offline Log Inspection.

USAGE:
======

	driftlog-inspect <command> [options] <log-directory>

COMMANDS:
=========

	watermarks    Print the low and high watermark
	segments      List segments with size, seal state and newest timestamp
	dump          Print records from an offset onward
	verify        Read and checksum every retained record

The directory is one partition's segment directory (e.g. data/orders-0).
Opening it runs the same recovery as the engine, so a torn tail left by a
crash is repaired in place. Do not run against a directory an engine has
open.

For encrypted logs pass -key with the same 64-char hex key the engine
uses; payloads are printed decrypted.
*/
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"driftlog/internal/crypto"
	"driftlog/internal/logging"
	"driftlog/internal/storage"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: driftlog-inspect <watermarks|segments|dump|verify> [options] <log-directory>")
	fmt.Fprintln(os.Stderr, "Run 'driftlog-inspect <command> -h' for command options.")
	os.Exit(2)
}

func main() {
	logging.SetGlobalLevel(logging.ERROR)

	if len(os.Args) < 2 {
		usage()
	}

	var err error
	switch os.Args[1] {
	case "watermarks":
		err = cmdWatermarks(os.Args[2:])
	case "segments":
		err = cmdSegments(os.Args[2:])
	case "dump":
		err = cmdDump(os.Args[2:])
	case "verify":
		err = cmdVerify(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openLog opens the directory with a read-oriented configuration: no
// background syncing, optional decryption key.
func openLog(fs *flag.FlagSet, keyHex string) (*storage.Log, error) {
	if fs.NArg() != 1 {
		return nil, fmt.Errorf("expected exactly one log directory, got %d arguments", fs.NArg())
	}
	c := storage.Config{FlushPolicy: storage.FlushNone}
	if keyHex != "" {
		enc, err := crypto.NewEncryptor(keyHex)
		if err != nil {
			return nil, err
		}
		c.Encryptor = enc
	}
	return storage.Open(fs.Arg(0), c)
}

func cmdWatermarks(args []string) error {
	fs := flag.NewFlagSet("watermarks", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	l, err := openLog(fs, "")
	if err != nil {
		return err
	}
	defer l.Close()

	fmt.Printf("low:  %d\nhigh: %d\n", l.LowWatermark(), l.HighWatermark())
	return nil
}

func cmdSegments(args []string) error {
	fs := flag.NewFlagSet("segments", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	l, err := openLog(fs, "")
	if err != nil {
		return err
	}
	defer l.Close()

	fmt.Printf("%-22s %-22s %-12s %-7s %s\n", "BASE", "NEXT", "BYTES", "SEALED", "NEWEST RECORD")
	for _, s := range l.Segments() {
		newest := "-"
		if s.MaxTimestamp > 0 {
			newest = time.Unix(0, s.MaxTimestamp).UTC().Format(time.RFC3339)
		}
		fmt.Printf("%-22d %-22d %-12d %-7t %s\n", s.BaseOffset, s.NextOffset, s.SizeBytes, s.Sealed, newest)
	}
	return nil
}

func cmdDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	from := fs.Uint64("from", 0, "First offset to print (default: low watermark)")
	count := fs.Uint64("count", 0, "Maximum records to print (0: to the end)")
	payload := fs.Bool("payload", false, "Print payload bytes, not just lengths")
	key := fs.String("key", "", "AES-256 key (64 hex chars) for encrypted logs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	l, err := openLog(fs, *key)
	if err != nil {
		return err
	}
	defer l.Close()

	off := *from
	if off < l.LowWatermark() {
		off = l.LowWatermark()
	}
	var printed uint64
	for off < l.HighWatermark() {
		if *count > 0 && printed >= *count {
			break
		}
		rec, err := l.Read(off)
		if err != nil {
			return fmt.Errorf("offset %d: %w", off, err)
		}
		ts := time.Unix(0, rec.Timestamp).UTC().Format(time.RFC3339Nano)
		if *payload {
			fmt.Printf("%d\t%s\t%q\n", rec.Offset, ts, rec.Payload)
		} else {
			fmt.Printf("%d\t%s\t%d bytes\n", rec.Offset, ts, len(rec.Payload))
		}
		off++
		printed++
	}
	return nil
}

func cmdVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	key := fs.String("key", "", "AES-256 key (64 hex chars) for encrypted logs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	l, err := openLog(fs, *key)
	if err != nil {
		return err
	}
	defer l.Close()

	var records, bad uint64
	for off := l.LowWatermark(); off < l.HighWatermark(); off++ {
		if _, err := l.Read(off); err != nil {
			fmt.Printf("offset %d: %v\n", off, err)
			bad++
		}
		records++
	}
	fmt.Printf("%d records checked, %d bad, offsets [%d, %d)\n",
		records, bad, l.LowWatermark(), l.HighWatermark())
	if bad > 0 {
		return fmt.Errorf("%d corrupt records", bad)
	}
	return nil
}
