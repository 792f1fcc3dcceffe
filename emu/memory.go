package emu

import (
	"encoding/binary"
	"sync"
)

const (
	pageBits = 12
	pageSize = 1 << pageBits
	pageMask = pageSize - 1
)

// Memory is a sparse, paged, little-endian guest address space. It is shared
// by every emulated thread of a process, so accesses are serialized by a
// read/write lock. Unmapped bytes read as zero.
type Memory struct {
	mu    sync.RWMutex
	pages map[uint64]*[pageSize]byte
}

// NewMemory creates an empty address space.
func NewMemory() *Memory {
	return &Memory{pages: make(map[uint64]*[pageSize]byte)}
}

func (m *Memory) page(addr uint64, create bool) *[pageSize]byte {
	p, ok := m.pages[addr>>pageBits]
	if !ok && create {
		p = new([pageSize]byte)
		m.pages[addr>>pageBits] = p
	}
	return p
}

func (m *Memory) read(addr uint64, buf []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := range buf {
		a := addr + uint64(i)
		if p := m.page(a, false); p != nil {
			buf[i] = p[a&pageMask]
		} else {
			buf[i] = 0
		}
	}
}

func (m *Memory) write(addr uint64, buf []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, b := range buf {
		a := addr + uint64(i)
		m.page(a, true)[a&pageMask] = b
	}
}

// Read8 reads a byte.
func (m *Memory) Read8(addr uint64) byte {
	var buf [1]byte
	m.read(addr, buf[:])
	return buf[0]
}

// Read32 reads a 32-bit little-endian word, e.g. an instruction.
func (m *Memory) Read32(addr uint64) uint32 {
	var buf [4]byte
	m.read(addr, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

// Read64 reads a 64-bit little-endian word.
func (m *Memory) Read64(addr uint64) uint64 {
	var buf [8]byte
	m.read(addr, buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}

// ReadBytes copies n bytes starting at addr.
func (m *Memory) ReadBytes(addr uint64, n int) []byte {
	buf := make([]byte, n)
	m.read(addr, buf)
	return buf
}

// Write8 writes a byte.
func (m *Memory) Write8(addr uint64, v byte) {
	m.write(addr, []byte{v})
}

// Write32 writes a 32-bit little-endian word.
func (m *Memory) Write32(addr uint64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	m.write(addr, buf[:])
}

// Write64 writes a 64-bit little-endian word.
func (m *Memory) Write64(addr uint64, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	m.write(addr, buf[:])
}

// LoadProgram copies a program image to addr.
func (m *Memory) LoadProgram(addr uint64, program []byte) {
	m.write(addr, program)
}

// LoadWords writes consecutive instruction words starting at addr.
func (m *Memory) LoadWords(addr uint64, words ...uint32) {
	for i, w := range words {
		m.Write32(addr+uint64(i)*4, w)
	}
}
