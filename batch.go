// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"encoding/binary"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/cockroachdb/errors"
)

// ErrInvalidBatch indicates that a batch is invalid or otherwise corrupted.
var ErrInvalidBatch = base.MarkCorruptionError(errors.New("basalt: invalid batch"))

const batchHeaderLen = 12

// Batch is a sequence of Sets and/or Deletes that are applied atomically.
type Batch struct {
	// data is the wire format of the batch's log record:
	//   - 8 bytes for the sequence number of the first batch element,
	//   - 4 bytes for the count: the number of elements in the batch,
	//   - count elements, each being:
	//     - one byte for the kind: delete (0) or set (1),
	//     - the varstring user key,
	//     - the varstring value (if kind == set).
	// A varstring is a varint32 length followed by that many bytes.
	data []byte
}

func (b *Batch) init(cap int) {
	n := 256
	for n < cap {
		n *= 2
	}
	b.data = make([]byte, batchHeaderLen, n)
}

// Set adds an action to the batch that sets the key to map to the value.
func (b *Batch) Set(key, value []byte) {
	if len(b.data) == 0 {
		b.init(len(key) + len(value) + 2*binary.MaxVarintLen32 + batchHeaderLen + 1)
	}
	b.incrementCount()
	b.data = append(b.data, byte(base.InternalKeyKindSet))
	b.appendStr(key)
	b.appendStr(value)
}

// Delete adds an action to the batch that deletes the entry for key.
func (b *Batch) Delete(key []byte) {
	if len(b.data) == 0 {
		b.init(len(key) + binary.MaxVarintLen32 + batchHeaderLen + 1)
	}
	b.incrementCount()
	b.data = append(b.data, byte(base.InternalKeyKindDelete))
	b.appendStr(key)
}

// Clear empties the batch for reuse, retaining the underlying storage.
func (b *Batch) Clear() {
	if len(b.data) >= batchHeaderLen {
		b.data = b.data[:batchHeaderLen]
		clear(b.data[:batchHeaderLen])
	}
}

// Append adds the entries of other to the batch.
func (b *Batch) Append(other *Batch) {
	if other.Empty() {
		return
	}
	if len(b.data) == 0 {
		b.init(len(other.data))
	}
	b.setCount(b.Count() + other.Count())
	b.data = append(b.data, other.data[batchHeaderLen:]...)
}

// Empty returns true if the batch contains no entries.
func (b *Batch) Empty() bool {
	return len(b.data) <= batchHeaderLen
}

// ApproximateSize returns the size of the batch's log record.
func (b *Batch) ApproximateSize() int {
	if len(b.data) == 0 {
		return batchHeaderLen
	}
	return len(b.data)
}

// Repr returns the underlying batch representation. It is not a copy.
func (b *Batch) Repr() []byte {
	if len(b.data) == 0 {
		b.init(batchHeaderLen)
	}
	return b.data
}

// SetRepr adopts a batch representation, such as one read back from a
// write-ahead log record.
func (b *Batch) SetRepr(data []byte) error {
	if len(data) < batchHeaderLen {
		return ErrInvalidBatch
	}
	b.data = data
	return nil
}

// SeqNum returns the batch's base sequence number: the sequence number of its
// first entry. Later entries take consecutive sequence numbers.
func (b *Batch) SeqNum() base.SeqNum {
	return base.SeqNum(binary.LittleEndian.Uint64(b.data[:8]))
}

func (b *Batch) setSeqNum(seqNum base.SeqNum) {
	binary.LittleEndian.PutUint64(b.data[:8], uint64(seqNum))
}

// Count returns the number of entries in the batch.
func (b *Batch) Count() uint32 {
	if len(b.data) < batchHeaderLen {
		return 0
	}
	return binary.LittleEndian.Uint32(b.data[8:12])
}

func (b *Batch) setCount(v uint32) {
	binary.LittleEndian.PutUint32(b.data[8:12], v)
}

func (b *Batch) incrementCount() {
	b.setCount(b.Count() + 1)
}

func (b *Batch) appendStr(s []byte) {
	var buf [binary.MaxVarintLen32]byte
	n := binary.PutUvarint(buf[:], uint64(len(s)))
	b.data = append(b.data, buf[:n]...)
	b.data = append(b.data, s...)
}

// Iterate calls the handler for every entry of the batch in insertion order.
// The i'th entry carries sequence number SeqNum()+i.
func (b *Batch) Iterate(handler func(kind base.InternalKeyKind, ukey, value []byte) error) error {
	it := b.iter()
	count := b.Count()
	var n uint32
	for {
		kind, ukey, value, ok := it.next()
		if !ok {
			break
		}
		if err := handler(kind, ukey, value); err != nil {
			return err
		}
		n++
	}
	if len(it) != 0 || n != count {
		return ErrInvalidBatch
	}
	return nil
}

func (b *Batch) iter() batchIter {
	return b.data[batchHeaderLen:]
}

type batchIter []byte

// next returns the next entry in this batch. ok is false on batch end or if
// the batch is corrupt.
func (t *batchIter) next() (kind base.InternalKeyKind, ukey []byte, value []byte, ok bool) {
	p := *t
	if len(p) == 0 {
		return 0, nil, nil, false
	}
	kind, *t = base.InternalKeyKind(p[0]), p[1:]
	if kind > base.InternalKeyKindMax {
		return 0, nil, nil, false
	}
	ukey, ok = t.nextStr()
	if !ok {
		return 0, nil, nil, false
	}
	if kind != base.InternalKeyKindDelete {
		value, ok = t.nextStr()
		if !ok {
			return 0, nil, nil, false
		}
	}
	return kind, ukey, value, true
}

func (t *batchIter) nextStr() (s []byte, ok bool) {
	p := *t
	u, numBytes := binary.Uvarint(p)
	if numBytes <= 0 {
		return nil, false
	}
	p = p[numBytes:]
	if u > uint64(len(p)) {
		return nil, false
	}
	s, *t = p[:u], p[u:]
	return s, true
}
