package npe

import (
	"fmt"
	"io"

	"github.com/juju/errors"
	"github.com/teplo/navitele/crc"
	"github.com/teplo/navitele/log2"
)

// ErrNoFrame is a soft outcome. The reader ran dry before a complete valid
// frame arrived, poll again.
var ErrNoFrame = fmt.Errorf("no frame")

func IsNoFrame(e error) bool { return errors.Cause(e) == ErrNoFrame }

type Stat struct {
	Frames      uint32
	BadChecksum uint32
	Skipped     uint32
}

// Assembler hunts the byte stream for the two marker bytes, then reads
// header, payload and checksum. Not safe for concurrent use.
type Assembler struct {
	Log  *log2.Log
	r    io.Reader
	stat Stat
}

func NewAssembler(r io.Reader, log *log2.Log) *Assembler {
	return &Assembler{Log: log, r: r}
}

// ReadFrame fills f with the next checksum-valid frame. A frame that fails
// the checksum is dropped and the hunt continues within the same call. On
// error the contents of f are undefined.
func (a *Assembler) ReadFrame(f *Frame) error {
	for {
		if err := a.readFull(f.b[:1]); err != nil {
			return err
		}
		if f.b[0] != Marker0 {
			a.stat.Skipped++
			continue
		}
		if err := a.readFull(f.b[1:2]); err != nil {
			return err
		}
		if f.b[1] != Marker1 {
			// The mismatched byte is consumed, it never starts a new hunt.
			a.stat.Skipped += 2
			continue
		}
		if err := a.readFull(f.b[2:HeaderLength]); err != nil {
			return err
		}
		n := HeaderLength + int(f.b[5]) + 1
		if err := a.readFull(f.b[HeaderLength:n]); err != nil {
			return err
		}
		f.l = n
		if !crc.Validate(f.Bytes()) {
			a.stat.BadChecksum++
			a.Log.Infof("checksum mismatch frame=%s", f.Format())
			continue
		}
		a.stat.Frames++
		return nil
	}
}

func (a *Assembler) Stat() Stat { return a.stat }

func (a *Assembler) readFull(p []byte) error {
	_, err := io.ReadFull(a.r, p)
	switch {
	case err == nil:
		return nil
	case err == io.EOF || err == io.ErrUnexpectedEOF || isTimeout(err):
		return ErrNoFrame
	}
	return errors.Trace(err)
}

func isTimeout(e error) bool {
	t, ok := errors.Cause(e).(interface{ Timeout() bool })
	return ok && t.Timeout()
}
