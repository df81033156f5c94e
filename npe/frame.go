// Package npe implements the serial telemetry protocol spoken by Navien
// NPE series tankless water heater controllers, as reverse engineered from
// an RS-485 bus tap. Wire format, little-endian multi-byte:
//
//   marker0=F7 marker1=05 direction type unknown4 length payload... checksum
//
// The checksum covers every preceding byte of the frame, see package crc.
// Field offsets index the whole frame, header included; that is how the
// controller capture notes are written and the layout tables follow them.
package npe

import (
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/juju/errors"
	"github.com/teplo/navitele/crc"
	"github.com/teplo/navitele/helpers"
)

const (
	Marker0 byte = 0xf7
	Marker1 byte = 0x05

	TypeGas   byte = 0x0f
	TypeWater byte = 0x50

	HeaderLength   = 6
	MaxFrameLength = HeaderLength + 0xff + 1
)

// Header is a decoded view of the fixed frame prefix. Length counts payload
// bytes only, not the header and not the trailing checksum.
type Header struct {
	Direction byte
	Type      byte
	Unknown4  byte
	Length    byte
}

type Frame struct {
	b [MaxFrameLength]byte
	l int
}

func FrameFromBytes(b []byte) (Frame, error) {
	f := Frame{}
	if len(b) < HeaderLength+1 {
		return f, errors.NotValidf("frame=%x length=%d shorter than header", b, len(b))
	}
	if len(b) > MaxFrameLength {
		return f, errors.NotValidf("frame=%x length=%d overflows max=%d", b, len(b), MaxFrameLength)
	}
	if b[0] != Marker0 || b[1] != Marker1 {
		return f, errors.NotValidf("frame=%x marker", b)
	}
	if claim := HeaderLength + int(b[5]) + 1; claim != len(b) {
		return f, errors.NotValidf("frame=%x claims length=%d actual=%d", b, claim, len(b))
	}
	if !crc.Validate(b) {
		return f, errors.NotValidf("frame=%x checksum=%02x", b, crc.Checksum(b[:len(b)-1]))
	}
	f.l = copy(f.b[:], b)
	return f, nil
}

func MustFrameFromBytes(b []byte) Frame {
	f, err := FrameFromBytes(b)
	if err != nil {
		panic(err)
	}
	return f
}

func FrameFromHex(s string) (Frame, error) {
	b, err := helpers.HexSpecial(s)
	if err != nil {
		return Frame{}, errors.NotValidf("hex=%s", s)
	}
	return FrameFromBytes(b)
}

func MustFrameFromHex(s string) Frame {
	f, err := FrameFromHex(s)
	if err != nil {
		panic(err)
	}
	return f
}

func (f *Frame) Bytes() []byte { return f.b[:f.l] }
func (f *Frame) Len() int      { return f.l }

func (f *Frame) Header() Header {
	return Header{
		Direction: f.b[2],
		Type:      f.b[3],
		Unknown4:  f.b[4],
		Length:    f.b[5],
	}
}

func (f *Frame) Payload() []byte { return f.b[HeaderLength : f.l-1] }
func (f *Frame) Checksum() byte  { return f.b[f.l-1] }

// Format renders the frame as space separated hex bytes, the shape protocol
// captures are usually shared in.
func (f *Frame) Format() string {
	var sb strings.Builder
	for i, b := range f.Bytes() {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", b)
	}
	return sb.String()
}

func (f *Frame) TestHex(t testing.TB, expect string) bool {
	b, err := helpers.HexSpecial(expect)
	if err != nil {
		panic(errors.Annotatef(err, "code error TestHex expect=%s", expect))
	}
	expectClean := fmt.Sprintf("%x", b)
	actual := fmt.Sprintf("%x", f.Bytes())
	if actual != expectClean {
		t.Errorf("frame=%s expected=%s", actual, expectClean)
		return false
	}
	return true
}

func (f *Frame) u16(off int) uint16 { return binary.LittleEndian.Uint16(f.b[off : off+2]) }
func (f *Frame) u32(off int) uint32 { return binary.LittleEndian.Uint32(f.b[off : off+4]) }
