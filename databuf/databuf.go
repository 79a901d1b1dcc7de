// Copyright 2015 Google Inc. All Rights Reserved.
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

// Package databuf provides a growable byte buffer that reserves head and
// tail capacity so that layering a header or trailer onto an existing
// payload (compression tag, AEAD nonce, integrity header) does not require
// copying the payload.
package databuf

// Buffer is a byte buffer backed by a single slice with separately tracked
// "used" head and tail regions. Growing the head (PrependHead) or the tail
// (AppendTail) reuses reserved capacity when available and only reallocates
// when it is exhausted.
//
// The zero value is not usable; construct with New or NewWithReserve.
type Buffer struct {
	backing   []byte
	dataStart int
	dataEnd   int
}

// New returns a Buffer whose data is exactly data, with no reserved
// head/tail capacity.
func New(data []byte) *Buffer {
	return &Buffer{
		backing:   data,
		dataStart: 0,
		dataEnd:   len(data),
	}
}

// NewWithReserve returns a Buffer containing data, with headRoom bytes of
// unused capacity reserved before it and tailRoom bytes reserved after it.
func NewWithReserve(data []byte, headRoom, tailRoom int) *Buffer {
	backing := make([]byte, headRoom+len(data)+tailRoom)
	copy(backing[headRoom:], data)
	return &Buffer{
		backing:   backing,
		dataStart: headRoom,
		dataEnd:   headRoom + len(data),
	}
}

// Data returns the buffer's current contents. The returned slice aliases
// the buffer's backing array and is only valid until the next mutating
// call.
func (b *Buffer) Data() []byte {
	return b.backing[b.dataStart:b.dataEnd]
}

// Len returns the number of data bytes currently held.
func (b *Buffer) Len() int {
	return b.dataEnd - b.dataStart
}

// HeadRoom returns the number of unused bytes available before the data
// without reallocating.
func (b *Buffer) HeadRoom() int {
	return b.dataStart
}

// TailRoom returns the number of unused bytes available after the data
// without reallocating.
func (b *Buffer) TailRoom() int {
	return len(b.backing) - b.dataEnd
}

// PrependHead writes header in front of the current data, growing the
// backing array only if HeadRoom() is insufficient. header must not alias
// b.Data().
func (b *Buffer) PrependHead(header []byte) {
	if len(header) <= b.HeadRoom() {
		b.dataStart -= len(header)
		copy(b.backing[b.dataStart:], header)
		return
	}
	b.growHead(len(header))
	b.dataStart -= len(header)
	copy(b.backing[b.dataStart:], header)
}

// AppendTail writes trailer after the current data, growing the backing
// array only if TailRoom() is insufficient. trailer must not alias
// b.Data().
func (b *Buffer) AppendTail(trailer []byte) {
	if len(trailer) <= b.TailRoom() {
		copy(b.backing[b.dataEnd:], trailer)
		b.dataEnd += len(trailer)
		return
	}
	b.growTail(len(trailer))
	copy(b.backing[b.dataEnd:], trailer)
	b.dataEnd += len(trailer)
}

// TrimHead removes n bytes from the front of the data (used to strip a
// decoded header before handing the remainder to the next layer up).
func (b *Buffer) TrimHead(n int) {
	if n < 0 || n > b.Len() {
		panic("databuf: TrimHead out of range")
	}
	b.dataStart += n
}

// TrimTail removes n bytes from the back of the data (used to strip a
// decoded trailer, e.g. an AEAD tag already verified separately).
func (b *Buffer) TrimTail(n int) {
	if n < 0 || n > b.Len() {
		panic("databuf: TrimTail out of range")
	}
	b.dataEnd -= n
}

// Reserve ensures at least headRoom bytes are free before the data and
// tailRoom bytes are free after it, without changing Data(). Useful before
// a sequence of known PrependHead/AppendTail calls to avoid repeated
// reallocation, mirroring the way the on-disk block stack reserves space
// for the integrity header, nonce and compression tag in one pass.
func (b *Buffer) Reserve(headRoom, tailRoom int) {
	if headRoom > b.HeadRoom() {
		b.growHead(headRoom - b.HeadRoom())
	}
	if tailRoom > b.TailRoom() {
		b.growTail(tailRoom - b.TailRoom())
	}
}

func (b *Buffer) growHead(extra int) {
	newBacking := make([]byte, b.HeadRoom()+extra+b.Len()+b.TailRoom())
	newStart := b.HeadRoom() + extra
	copy(newBacking[newStart:], b.Data())
	b.backing = newBacking
	b.dataEnd = newStart + b.Len()
	b.dataStart = newStart
}

func (b *Buffer) growTail(extra int) {
	newBacking := make([]byte, b.HeadRoom()+b.Len()+b.TailRoom()+extra)
	copy(newBacking[b.dataStart:], b.Data())
	b.backing = newBacking
	// dataStart/dataEnd unchanged: only tail capacity grew.
}

// Clone returns an independent copy of the buffer's current data, with no
// reserved head/tail capacity.
func (b *Buffer) Clone() *Buffer {
	data := make([]byte, b.Len())
	copy(data, b.Data())
	return New(data)
}
