package npe

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teplo/navitele/log2"
)

type testTimeoutErr string

func (e testTimeoutErr) Error() string { return string(e) }
func (testTimeoutErr) Timeout() bool   { return true }

type errorReader struct{ err error }

func (r errorReader) Read([]byte) (int, error) { return 0, r.err }

// Serial ports deliver bytes in dribs, not whole frames.
type dribbleReader struct{ r io.Reader }

func (d dribbleReader) Read(p []byte) (int, error) { return d.r.Read(p[:1]) }

func TestAssemblerScan(t *testing.T) {
	t.Parallel()
	valid := testFrameBytes(0x00, TypeWater, testWaterPayload(FlowOff, 0x05, 0x10))
	stream := append([]byte{0x00, 0x11, 0x22}, valid...)
	a := NewAssembler(bytes.NewReader(stream), log2.NewTest(t, log2.LDebug))

	var f Frame
	require.NoError(t, a.ReadFrame(&f))
	f.TestHex(t, fmt.Sprintf("%x", valid))
	assert.EqualValues(t, 3, a.Stat().Skipped)
	assert.EqualValues(t, 1, a.Stat().Frames)

	err := a.ReadFrame(&f)
	assert.True(t, IsNoFrame(err), "err=%v", err)
}

func TestAssemblerBadChecksumThenValid(t *testing.T) {
	t.Parallel()
	good := testFrameBytes(0x00, TypeWater, testWaterPayload(FlowDemand, 0x25, 0x30))
	bad := append([]byte(nil), good...)
	bad[10] ^= 0xff
	stream := append(bad, good...)
	a := NewAssembler(bytes.NewReader(stream), log2.NewTest(t, log2.LDebug))

	// One call skips the corrupt frame and keeps scanning.
	var f Frame
	require.NoError(t, a.ReadFrame(&f))
	f.TestHex(t, fmt.Sprintf("%x", good))
	assert.EqualValues(t, 1, a.Stat().BadChecksum)
	assert.EqualValues(t, 1, a.Stat().Frames)
}

func TestAssemblerWrongSecondMarker(t *testing.T) {
	t.Parallel()
	valid := testFrameBytes(0x00, TypeGas, testGasPayload())
	stream := append([]byte{Marker0, 0x00}, valid...)
	a := NewAssembler(bytes.NewReader(stream), log2.NewTest(t, log2.LDebug))

	var f Frame
	require.NoError(t, a.ReadFrame(&f))
	f.TestHex(t, fmt.Sprintf("%x", valid))
	assert.EqualValues(t, 2, a.Stat().Skipped)
}

func TestAssemblerMarkerOverlap(t *testing.T) {
	t.Parallel()
	// A stray 0xf7 right before a real frame swallows the frame's own
	// marker. The byte after a failed marker check is never revisited.
	valid := testFrameBytes(0x00, TypeWater, testWaterPayload(FlowOff, 0x05, 0x10))
	stream := append([]byte{Marker0}, valid...)
	a := NewAssembler(bytes.NewReader(stream), log2.NewTest(t, log2.LDebug))

	var f Frame
	err := a.ReadFrame(&f)
	assert.True(t, IsNoFrame(err), "err=%v", err)
	assert.EqualValues(t, 0, a.Stat().Frames)
}

func TestAssemblerShortRead(t *testing.T) {
	t.Parallel()
	valid := testFrameBytes(0x00, TypeWater, testWaterPayload(FlowOff, 0x05, 0x10))
	a := NewAssembler(bytes.NewReader(valid[:20]), log2.NewTest(t, log2.LDebug))

	var f Frame
	err := a.ReadFrame(&f)
	assert.True(t, IsNoFrame(err), "err=%v", err)
}

func TestAssemblerUnknownType(t *testing.T) {
	t.Parallel()
	// Framing is type agnostic, unknown types reach the caller.
	valid := testFrameBytes(0x00, 0xab, []byte{0x01, 0x02, 0x03})
	a := NewAssembler(bytes.NewReader(valid), log2.NewTest(t, log2.LDebug))

	var f Frame
	require.NoError(t, a.ReadFrame(&f))
	assert.EqualValues(t, 0xab, f.Header().Type)
}

func TestAssemblerBackToBack(t *testing.T) {
	t.Parallel()
	water := testFrameBytes(0x00, TypeWater, testWaterPayload(FlowDemand, 0x25, 0x30))
	gas := testFrameBytes(0x00, TypeGas, testGasPayload())
	stream := append(append([]byte(nil), water...), gas...)
	a := NewAssembler(dribbleReader{bytes.NewReader(stream)}, log2.NewTest(t, log2.LDebug))

	var f Frame
	require.NoError(t, a.ReadFrame(&f))
	f.TestHex(t, fmt.Sprintf("%x", water))
	require.NoError(t, a.ReadFrame(&f))
	f.TestHex(t, fmt.Sprintf("%x", gas))
	assert.EqualValues(t, 2, a.Stat().Frames)
	assert.EqualValues(t, 0, a.Stat().Skipped)
}

func TestAssemblerReaderErrors(t *testing.T) {
	t.Parallel()
	var f Frame

	a := NewAssembler(errorReader{testTimeoutErr("read deadline")}, log2.NewTest(t, log2.LDebug))
	err := a.ReadFrame(&f)
	assert.True(t, IsNoFrame(err), "err=%v", err)

	a = NewAssembler(errorReader{io.ErrClosedPipe}, log2.NewTest(t, log2.LDebug))
	err = a.ReadFrame(&f)
	require.Error(t, err)
	assert.False(t, IsNoFrame(err))
}
