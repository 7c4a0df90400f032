package sim

import (
	"fmt"
	"io"
	"sync"
)

// Memory is an in-memory Store, erased to 0xFF like fresh flash.
type Memory struct {
	mx   sync.RWMutex
	data []byte
}

func NewMemory(blocks uint32) *Memory {
	data := make([]byte, int(blocks)*512)
	for i := range data {
		data[i] = 0xFF
	}
	return &Memory{data: data}
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()
	if off < 0 || off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("sim: write of %d bytes at %d beyond end of card", len(p), off)
	}
	return copy(m.data[off:], p), nil
}
