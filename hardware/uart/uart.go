// Package uart reads the heater controller serial bus.
package uart

import (
	"io"
	"sync"
	"time"
)

type ErrTimeoutT string

type Timeouter interface {
	Timeout() bool
}

func (e ErrTimeoutT) Error() string { return string(e) }
func (ErrTimeoutT) Timeout() bool   { return true }

type Config struct { //nolint:maligned
	Baud          int    `hcl:"baud"`
	Device        string `hcl:"device"`
	Driver        string `hcl:"driver"` // file|mock
	ReadTimeoutMs int    `hcl:"read_timeout_ms"`
}

// Uarter is a read-only byte source. Read satisfies io.Reader so the frame
// assembler consumes it directly; a quiet line must surface as an error
// whose Timeout() reports true, not as a blocked read.
type Uarter interface {
	Open(device string) error
	Read(p []byte) (int, error)
	Close() error
}

// MockUart replays canned byte chunks, one chunk per Read. A drained script
// reports timeout after sleeping Timeout, like a quiet real line.
type MockUart struct {
	Timeout time.Duration

	mu     sync.Mutex
	script [][]byte
	closed bool
}

func NewMockUart(script ...[]byte) *MockUart {
	m := &MockUart{script: make([][]byte, 0, len(script))}
	for _, chunk := range script {
		m.Feed(chunk)
	}
	return m
}

func (self *MockUart) Feed(chunk []byte) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.script = append(self.script, chunk)
}

func (self *MockUart) Open(device string) error { return nil }

func (self *MockUart) Read(p []byte) (int, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.closed {
		return 0, io.EOF
	}
	if len(self.script) == 0 {
		if self.Timeout > 0 {
			time.Sleep(self.Timeout)
		}
		return 0, ErrTimeoutT("mock uart drained")
	}
	chunk := self.script[0]
	n := copy(p, chunk)
	if n < len(chunk) {
		self.script[0] = chunk[n:]
	} else {
		self.script = self.script[1:]
	}
	return n, nil
}

func (self *MockUart) Close() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.closed = true
	return nil
}
