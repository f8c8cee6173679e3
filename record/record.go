// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package record reads and writes sequences of length-delimited records on
// top of a block-oriented physical format. The write-ahead log and the
// manifest are both streams of records.
//
// The wire format divides the stream into 32 KiB blocks. Each block contains
// a sequence of chunks. Chunks cannot cross block boundaries; the last block
// may be shorter than 32 KiB and any unused bytes in a block are zero. The
// chunk format:
//
//	+----------+-----------+-----------+--- ... ---+
//	| CRC (4B) | Size (2B) | Type (1B) | Payload   |
//	+----------+-----------+-----------+--- ... ---+
//
// CRC is a masked CRC-32C computed over the type and payload. Size is the
// little-endian length of the payload. Type marks whether the chunk holds a
// full record or the first, middle or last fragment of a record that did not
// fit in one block. If fewer than 7 bytes remain in a block, they are zeroed
// and the next chunk starts in a new block.
//
// A reader reassembles logical records from fragments. Damaged chunks (bad
// CRC, impossible length, unknown type) are reported through a Reporter and
// skipped; reading resumes at the next block boundary.
package record

import (
	"encoding/binary"
	"io"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/crc"
	"github.com/cockroachdb/errors"
)

// These constants are part of the wire format and must not be changed.
const (
	zeroChunkType   = 0 // padding
	fullChunkType   = 1
	firstChunkType  = 2
	middleChunkType = 3
	lastChunkType   = 4
)

const (
	// BlockSize is the physical block size. Chunks never span blocks.
	BlockSize = 32 * 1024

	headerSize = 7
)

// ErrInvalidChunk signals a chunk with a bad checksum, an impossible length
// or an unknown type. It is surfaced through the Reporter; the reader itself
// resynchronizes and continues.
var ErrInvalidChunk = base.MarkCorruptionError(errors.New("basalt/record: invalid chunk"))

// A Reporter receives notification of WAL and manifest damage: the
// approximate number of bytes dropped and the reason. Recovery continues
// after the damaged region unless the caller chooses otherwise.
type Reporter interface {
	Corruption(bytes int64, reason error)
}

// typeCRC holds the CRC of each chunk type byte, seeding the per-chunk
// computation.
var typeCRC [lastChunkType + 1]crc.CRC

func init() {
	for t := range typeCRC {
		typeCRC[t] = crc.New([]byte{byte(t)})
	}
}

type flusher interface {
	Flush() error
}

// Reader reads logical records from an underlying io.Reader.
type Reader struct {
	r        io.Reader
	reporter Reporter
	// buf[begin:end] is the payload of the chunk most recently parsed. n is
	// the number of valid bytes in buf. Once reading has started, only the
	// final block may have n < BlockSize.
	begin, end, n int
	// blockNum is the zero based block number currently held in buf.
	blockNum int64
	// eof is set once a partial block has been read: the stream is
	// exhausted after buf[:n].
	eof bool
	// resyncing is true while skipping fragments that precede the first
	// FIRST or FULL chunk at or after the initial offset.
	resyncing bool
	// rec accumulates the fragments of the current logical record.
	rec []byte
	buf [BlockSize]byte
	err error
}

// NewReader returns a reader positioned at the start of the stream. reporter
// may be nil, in which case damage is skipped silently.
func NewReader(r io.Reader, reporter Reporter) *Reader {
	return &Reader{
		r:        r,
		reporter: reporter,
		blockNum: -1,
	}
}

// NewReaderAt is like NewReader but starts reading at the first block
// boundary at or after initialOffset, dropping fragments until a record
// boundary is observed.
func NewReaderAt(r io.Reader, reporter Reporter, initialOffset int64) (*Reader, error) {
	rd := NewReader(r, reporter)
	if initialOffset > 0 {
		offsetInBlock := initialOffset % BlockSize
		blockStart := initialOffset - offsetInBlock
		// A chunk can never begin in the trailer.
		if offsetInBlock > BlockSize-headerSize {
			blockStart += BlockSize
		}
		if err := skip(r, blockStart); err != nil {
			return nil, err
		}
		rd.blockNum = blockStart/BlockSize - 1
		rd.resyncing = true
	}
	return rd, nil
}

func skip(r io.Reader, n int64) error {
	if n == 0 {
		return nil
	}
	if s, ok := r.(io.Seeker); ok {
		_, err := s.Seek(n, io.SeekStart)
		return err
	}
	_, err := io.CopyN(io.Discard, r, n)
	if err == io.EOF {
		err = nil
	}
	return err
}

// Next returns the next logical record. The returned slice is valid until the
// following call to Next. It returns io.EOF when the stream is exhausted.
func (r *Reader) Next() ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.rec = r.rec[:0]
	inFragment := false
	for {
		chunkType, err := r.nextChunk()
		if err != nil {
			r.err = err
			return nil, err
		}
		payload := r.buf[r.begin:r.end]
		if r.resyncing {
			// Drop fragments of a record that started before the initial
			// offset.
			switch chunkType {
			case middleChunkType:
				continue
			case lastChunkType:
				r.resyncing = false
				continue
			default:
				r.resyncing = false
			}
		}
		switch chunkType {
		case fullChunkType:
			if inFragment {
				r.report(int64(len(r.rec)), errors.New("basalt/record: partial record without end"))
			}
			return payload, nil
		case firstChunkType:
			if inFragment {
				r.report(int64(len(r.rec)), errors.New("basalt/record: partial record without end"))
			}
			r.rec = append(r.rec[:0], payload...)
			inFragment = true
		case middleChunkType:
			if !inFragment {
				r.report(int64(len(payload)), errors.New("basalt/record: missing start of fragmented record"))
				continue
			}
			r.rec = append(r.rec, payload...)
		case lastChunkType:
			if !inFragment {
				r.report(int64(len(payload)), errors.New("basalt/record: missing start of fragmented record"))
				continue
			}
			return append(r.rec, payload...), nil
		}
	}
}

// nextChunk parses the next valid chunk into buf[begin:end], loading blocks
// as needed and skipping damaged regions.
func (r *Reader) nextChunk() (chunkType byte, err error) {
	for {
		if r.end+headerSize <= r.n {
			checksum := binary.LittleEndian.Uint32(r.buf[r.end+0 : r.end+4])
			length := binary.LittleEndian.Uint16(r.buf[r.end+4 : r.end+6])
			chunkType = r.buf[r.end+6]

			if checksum == 0 && length == 0 && chunkType == zeroChunkType {
				// Zero padding, or a preallocated region that was never
				// written. Skip to the next block without reporting.
				r.end = r.n
				continue
			}
			if chunkType > lastChunkType {
				r.begin = r.end
				r.dropBlock(errors.Newf("basalt/record: unknown chunk type %d", int(chunkType)))
				continue
			}
			r.begin = r.end + headerSize
			r.end = r.begin + int(length)
			if r.end > r.n {
				if r.eof {
					// A writer died while writing the chunk; the spilled
					// bytes are not a corruption.
					return 0, io.EOF
				}
				r.begin -= headerSize
				r.dropBlock(errors.New("basalt/record: chunk length exceeds block"))
				continue
			}
			if checksum != typeCRC[chunkType].Update(r.buf[r.begin:r.end]).Value() {
				r.begin -= headerSize
				r.dropBlock(ErrInvalidChunk)
				continue
			}
			return chunkType, nil
		}

		// The trailer of the block, if any, is zero padding.
		r.begin, r.end = r.n, r.n
		if r.eof {
			return 0, io.EOF
		}
		n, err := io.ReadFull(r.r, r.buf[:])
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			r.eof = true
			if n == 0 {
				return 0, io.EOF
			}
		} else if err != nil {
			return 0, err
		}
		r.begin, r.end, r.n = 0, 0, n
		r.blockNum++
	}
}

// dropBlock reports the unread remainder of the current block as damaged and
// skips to the next block boundary.
func (r *Reader) dropBlock(reason error) {
	r.report(int64(r.n-r.begin), reason)
	r.begin, r.end = r.n, r.n
}

func (r *Reader) report(bytes int64, reason error) {
	if r.reporter != nil && bytes > 0 {
		r.reporter.Corruption(bytes, reason)
	}
}

// Offset returns the current offset within the stream: the position just past
// the most recently returned chunk.
func (r *Reader) Offset() int64 {
	if r.blockNum < 0 {
		return 0
	}
	return r.blockNum*BlockSize + int64(r.end)
}

// Writer writes logical records to an underlying io.Writer, fragmenting them
// across blocks as needed. Each physical chunk is flushed to the underlying
// writer; durability is requested separately by syncing the underlying file.
type Writer struct {
	w io.Writer
	// f is w as a flusher, if it implements it.
	f flusher
	// blockOffset is the write offset within the current block.
	blockOffset int64
	// written is the total number of bytes handed to w.
	written int64
	err     error
}

// NewWriter returns a writer that appends records to w.
func NewWriter(w io.Writer) *Writer {
	f, _ := w.(flusher)
	return &Writer{w: w, f: f}
}

// NewWriterAt returns a writer that appends records to w, where w is already
// positioned initialOffset bytes into the stream. The writer picks up block
// packing where the previous writer left off.
func NewWriterAt(w io.Writer, initialOffset int64) *Writer {
	wr := NewWriter(w)
	wr.blockOffset = initialOffset % BlockSize
	return wr
}

// WriteRecord appends a logical record to the stream.
func (w *Writer) WriteRecord(p []byte) error {
	if w.err != nil {
		return w.err
	}
	first := true
	for {
		leftover := BlockSize - w.blockOffset
		if leftover < headerSize {
			// Zero-fill the trailer and switch to a new block.
			if leftover > 0 {
				var zeros [headerSize - 1]byte
				if w.err = w.write(zeros[:leftover]); w.err != nil {
					return w.err
				}
			}
			w.blockOffset = 0
		}

		avail := int(BlockSize - w.blockOffset - headerSize)
		frag := p
		if len(frag) > avail {
			frag = frag[:avail]
		}
		p = p[len(frag):]
		last := len(p) == 0

		var chunkType byte
		switch {
		case first && last:
			chunkType = fullChunkType
		case first:
			chunkType = firstChunkType
		case last:
			chunkType = lastChunkType
		default:
			chunkType = middleChunkType
		}
		if w.err = w.emitChunk(chunkType, frag); w.err != nil {
			return w.err
		}
		if last {
			return nil
		}
		first = false
	}
}

func (w *Writer) emitChunk(chunkType byte, p []byte) error {
	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[0:4], typeCRC[chunkType].Update(p).Value())
	binary.LittleEndian.PutUint16(header[4:6], uint16(len(p)))
	header[6] = chunkType
	if err := w.write(header[:]); err != nil {
		return err
	}
	if err := w.write(p); err != nil {
		return err
	}
	w.blockOffset += int64(headerSize + len(p))
	if w.f != nil {
		return w.f.Flush()
	}
	return nil
}

func (w *Writer) write(p []byte) error {
	n, err := w.w.Write(p)
	w.written += int64(n)
	return err
}

// Size returns the number of bytes written to the underlying writer.
func (w *Writer) Size() int64 {
	return w.written
}

// Close finishes the stream. It does not close the underlying writer.
func (w *Writer) Close() error {
	if w.err != nil {
		return w.err
	}
	w.err = errors.New("basalt/record: closed Writer")
	return nil
}
