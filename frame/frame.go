// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package frame implements the binary encoding of an argument frame, the
// unit of exchange between instances of an application sharing a guard.
//
// A frame is an ordered sequence of UTF-8 strings encoded as a 4-byte
// big-endian count followed by, for each string, a 4-byte big-endian byte
// length and the string data:
//
//	[count: uint32]
//	count times:
//	  [length: uint32]
//	  [data: length bytes]
//
// The count must not exceed [MaxArgs], and each length must be at least 1
// and at most [MaxBytes]. A decoder rejects input violating these bounds
// before reading the offending data, so a hostile peer cannot induce large
// allocations or unbounded reads.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxArgs is the maximum number of strings permitted in a single frame.
	MaxArgs = 1024

	// MaxBytes is the maximum encoded length in bytes of a single string.
	MaxBytes = 1024
)

// ErrBounds is reported when a count or length violates the frame bounds.
var ErrBounds = errors.New("frame bounds exceeded")

// A Frame is the parsed form of an argument frame.
type Frame struct {
	Args []string
}

// Encode encodes f in binary format. It panics if f violates the frame
// bounds; use [Frame.WriteTo] to report such violations as errors.
func (f Frame) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, f.encodedSize()))
	if _, err := f.WriteTo(buf); err != nil {
		panic(fmt.Errorf("encoding frame: %w", err))
	}
	return buf.Bytes()
}

func (f Frame) encodedSize() int {
	n := 4
	for _, arg := range f.Args {
		n += 4 + len(arg)
	}
	return n
}

// WriteTo writes the frame to w in binary format. It satisfies io.WriterTo.
// It reports an error without writing anything if f violates the frame
// bounds.
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	if len(f.Args) > MaxArgs {
		return 0, fmt.Errorf("frame has %d args: %w", len(f.Args), ErrBounds)
	}
	for i, arg := range f.Args {
		if len(arg) == 0 || len(arg) > MaxBytes {
			return 0, fmt.Errorf("arg %d is %d bytes: %w", i+1, len(arg), ErrBounds)
		}
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(f.Args)))
	nw, err := w.Write(hdr[:])
	for _, arg := range f.Args {
		if err != nil {
			break
		}
		var np int
		binary.BigEndian.PutUint32(hdr[:], uint32(len(arg)))
		if np, err = w.Write(hdr[:]); err == nil {
			nw += np
			np, err = io.WriteString(w, arg)
		}
		nw += np
	}
	return int64(nw), err
}

// ReadFrom reads a frame from r in binary format. It satisfies
// io.ReaderFrom. A count or length outside the frame bounds is reported as
// an error wrapping [ErrBounds], and no further input is consumed after the
// offending prefix.
func (f *Frame) ReadFrom(r io.Reader) (int64, error) {
	var buf [4]byte
	nr, err := io.ReadFull(r, buf[:])
	if err != nil {
		return int64(nr), fmt.Errorf("short frame header: %w", err)
	}
	count := binary.BigEndian.Uint32(buf[:])
	if count > MaxArgs {
		return int64(nr), fmt.Errorf("frame count %d: %w", count, ErrBounds)
	}

	args := make([]string, 0, count)
	data := make([]byte, 0, MaxBytes)
	for range count {
		np, err := io.ReadFull(r, buf[:])
		nr += np
		if err != nil {
			return int64(nr), fmt.Errorf("short length prefix: %w", err)
		}
		alen := binary.BigEndian.Uint32(buf[:])
		if alen == 0 || alen > MaxBytes {
			return int64(nr), fmt.Errorf("arg length %d: %w", alen, ErrBounds)
		}
		data = data[:alen]
		np, err = io.ReadFull(r, data)
		nr += np
		if err != nil {
			return int64(nr), fmt.Errorf("short arg data: %w", err)
		}
		args = append(args, string(data))
	}
	f.Args = args
	return int64(nr), nil
}

// String returns a human-friendly rendering of the frame.
func (f *Frame) String() string { return fmt.Sprintf("Frame(%q)", f.Args) }
