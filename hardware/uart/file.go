package uart

import (
	"os"
	"syscall"
	"time"
	"unsafe"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

const (
	cBOTHER   = 0x1000
	cNCCS     = 19
	cTCSETSF2 = 0x402c542d
)

type cc_t byte
type speed_t uint32
type tcflag_t uint32
type termios2 struct {
	c_iflag  tcflag_t    // input mode flags
	c_oflag  tcflag_t    // output mode flags
	c_cflag  tcflag_t    // control mode flags
	c_lflag  tcflag_t    // local mode flags
	c_line   cc_t        // line discipline
	c_cc     [cNCCS]cc_t // control characters
	c_ispeed speed_t     // input speed
	c_ospeed speed_t     // output speed
}

// fileUart talks to a real serial device node, 8N1, arbitrary baud via
// termios2 BOTHER. The heater never expects input so only the read side is
// wired; opening O_RDWR keeps the port in the usual tty state.
type fileUart struct {
	baud    int
	timeout time.Duration
	f       *os.File
	reader  fdReader
	t2      termios2
}

func NewFileUart(baud int, timeout time.Duration) *fileUart {
	return &fileUart{baud: baud, timeout: timeout}
}

func (self *fileUart) Open(device string) (err error) {
	if self.baud <= 0 {
		return errors.NotValidf("uart baud=%d", self.baud)
	}
	if self.f != nil {
		self.f.Close()
	}
	self.f, err = os.OpenFile(device, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0600)
	if err != nil {
		return errors.Annotatef(err, "uart open device=%s", device)
	}
	self.reader = fdReader{fd: self.f.Fd(), timeout: self.timeout}
	if err = self.resetTermios(); err != nil {
		self.f.Close()
		self.f = nil
		return errors.Annotatef(err, "uart termios device=%s baud=%d", device, self.baud)
	}
	return nil
}

func (self *fileUart) Read(p []byte) (int, error) {
	return self.reader.Read(p)
}

func (self *fileUart) Close() error {
	if self.f == nil {
		return nil
	}
	err := self.f.Close()
	self.f = nil
	return err
}

func (self *fileUart) resetTermios() error {
	self.t2 = termios2{
		c_iflag:  unix.IGNBRK,
		c_cflag:  cBOTHER | syscall.CLOCAL | syscall.CREAD | syscall.CS8,
		c_ispeed: speed_t(self.baud),
		c_ospeed: speed_t(self.baud),
	}
	self.t2.c_cc[syscall.VMIN] = 0
	self.t2.c_cc[syscall.VTIME] = 0
	// TCSETSF2 flushes whatever accumulated while the port was unconfigured
	return ioctl(self.f.Fd(), uintptr(cTCSETSF2), uintptr(unsafe.Pointer(&self.t2)))
}

type fdReader struct {
	fd      uintptr
	timeout time.Duration
}

// Read waits for the line to become readable up to timeout, then returns
// whatever is available. Short reads are normal, the assembler loops.
func (self fdReader) Read(p []byte) (n int, err error) {
	if err = waitRead(self.fd, self.timeout); err != nil {
		return 0, err
	}
	return syscall.Read(int(self.fd), p)
}

func waitRead(fd uintptr, timeout time.Duration) error {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	ms := int(timeout / time.Millisecond)
	for {
		n, err := unix.Poll(pfd, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return os.NewSyscallError("poll", err)
		}
		if n == 0 {
			return ErrTimeoutT("uart read timeout")
		}
		return nil
	}
}

func ioctl(fd uintptr, op, arg uintptr) (err error) {
	r, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		err = os.NewSyscallError("SYS_IOCTL", errno)
	} else if r != 0 {
		err = errors.Errorf("unknown error from SYS_IOCTL op=%x", op)
	}
	return err
}
