package monitor

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teplo/navitele/crc"
	"github.com/teplo/navitele/hardware/uart"
	"github.com/teplo/navitele/internal/state"
	"github.com/teplo/navitele/npe"
)

type pub struct{ name, value string }

func frameBytes(typ byte, payload []byte) []byte {
	b := []byte{npe.Marker0, npe.Marker1, 0x00, typ, 0x00, byte(len(payload))}
	b = append(b, payload...)
	return append(b, crc.Checksum(b))
}

// Values mirror the decoder tests: current 9850 kcal = 39062 btu, total gas
// in 0.1 m3 units, inlet 24.0 C, outlet 50.0 C, total water 123456.7 L.
func gasPayload(currentKcal uint16, totalGas uint32) []byte {
	p := make([]byte, 42)
	p[0] = 0x45
	p[9] = 0x64
	p[10] = 0x30
	binary.LittleEndian.PutUint16(p[16:], currentKcal)
	binary.LittleEndian.PutUint32(p[18:], totalGas)
	binary.LittleEndian.PutUint32(p[26:], 1234567)
	return p
}

func waterPayload(flow, power, stage, capacity, flowRate byte, active bool) []byte {
	p := make([]byte, 34)
	p[0] = 0x42
	p[2] = flow
	p[3] = power
	p[4] = stage
	p[11] = capacity
	p[12] = flowRate
	if active {
		p[21] = 0x01
	}
	return p
}

func testMonitor(t testing.TB, confString string, script ...[]byte) (*state.Global, *Monitor, chan pub) {
	ctx, g := state.NewTestContext(t, confString)
	mock := uart.NewMockUart(script...)
	mock.Timeout = time.Millisecond
	g.Hardware.Uart.Uarter = mock

	pubs := make(chan pub, 32)
	m := &Monitor{publish: func(name, value string) bool {
		pubs <- pub{name, value}
		return true
	}}
	require.NoError(t, m.Init(ctx))
	return g, m, pubs
}

// join runs the monitor in background and returns the blocking stop func.
func join(t testing.TB, g *state.Global, m *Monitor) func() {
	done := make(chan error, 1)
	go func() { done <- m.Run() }()
	return func() {
		g.Alive.Stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("monitor did not stop")
		}
	}
}

func expectPub(t testing.TB, ch <-chan pub, name, value string) {
	t.Helper()
	select {
	case p := <-ch:
		assert.Equal(t, name, p.name)
		assert.Equal(t, value, p.value)
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for publish %s=%s", name, value)
	}
}

func TestGasMetricsPublish(t *testing.T) {
	t.Parallel()
	g, m, pubs := testMonitor(t, `decode { debug_packets = true }`,
		frameBytes(npe.TypeGas, gasPayload(9850, 48000)))
	stop := join(t, g, m)

	expectPub(t, pubs, "gas/current", "39062")
	expectPub(t, pubs, "gas/total", "1695.1")
	expectPub(t, pubs, "water/inlet_temp", "75.2")
	expectPub(t, pubs, "water/outlet_temp", "122")
	expectPub(t, pubs, "water/total", "32613.8")

	stop()
	stat := m.Stat()
	assert.EqualValues(t, 1, stat.Gas)
	assert.EqualValues(t, 5, stat.Published)
}

func TestWaterMetricsPublish(t *testing.T) {
	t.Parallel()
	// Demand draw at stage 3, then idle. The idle frame still carries the
	// last flow meter reading, the published rate must be forced to zero.
	// Back to back frames sit inside the default throttle window, restrict
	// throttling to a gas metric so every water change goes out.
	g, m, pubs := testMonitor(t, `
decode { watch_unknown = true }
metric { throttled = ["gas/current"] }`,
		frameBytes(npe.TypeWater, waterPayload(npe.FlowDemand, 0x25, 0x30, 100, 75, true)),
		frameBytes(npe.TypeWater, waterPayload(npe.FlowOff, 0x05, 0x10, 0, 75, false)))
	stop := join(t, g, m)

	expectPub(t, pubs, "recirculating", "true")
	expectPub(t, pubs, "stage", "active")
	expectPub(t, pubs, "water/capacity", "50")
	expectPub(t, pubs, "water/flow_rate", "2")

	expectPub(t, pubs, "recirculating", "false")
	expectPub(t, pubs, "stage", "standby")
	expectPub(t, pubs, "water/capacity", "0")
	expectPub(t, pubs, "water/flow_rate", "0")

	stop()
	stat := m.Stat()
	assert.EqualValues(t, 2, stat.Water)
	assert.EqualValues(t, 8, stat.Published)
}

func TestThrottleSuppressesFastChanges(t *testing.T) {
	t.Parallel()
	// Both frames land well inside the 5s default window. gas/current is
	// throttled so the second value is dropped, gas/total is not.
	g, m, pubs := testMonitor(t, "",
		frameBytes(npe.TypeGas, gasPayload(9850, 48000)),
		frameBytes(npe.TypeGas, gasPayload(12000, 48003)))
	stop := join(t, g, m)

	expectPub(t, pubs, "gas/current", "39062")
	expectPub(t, pubs, "gas/total", "1695.1")
	expectPub(t, pubs, "water/inlet_temp", "75.2")
	expectPub(t, pubs, "water/outlet_temp", "122")
	expectPub(t, pubs, "water/total", "32613.8")
	expectPub(t, pubs, "gas/total", "1695.2")

	stop()
	stat := m.Stat()
	assert.EqualValues(t, 2, stat.Gas)
	assert.EqualValues(t, 6, stat.Published)
	assert.EqualValues(t, 4, stat.Suppressed)
}

func TestFailedPublishIsRetried(t *testing.T) {
	t.Parallel()
	ctx, g := state.NewTestContext(t, "")
	mock := uart.NewMockUart(
		frameBytes(npe.TypeGas, gasPayload(9850, 48000)),
		frameBytes(npe.TypeGas, gasPayload(9850, 48000)))
	mock.Timeout = time.Millisecond
	g.Hardware.Uart.Uarter = mock

	pubs := make(chan pub, 32)
	m := &Monitor{publish: func(name, value string) bool {
		if name == "gas/total" {
			return false
		}
		pubs <- pub{name, value}
		return true
	}}
	require.NoError(t, m.Init(ctx))
	stop := join(t, g, m)

	expectPub(t, pubs, "gas/current", "39062")
	expectPub(t, pubs, "water/inlet_temp", "75.2")
	expectPub(t, pubs, "water/outlet_temp", "122")
	expectPub(t, pubs, "water/total", "32613.8")

	stop()
	stat := m.Stat()
	// uncommitted gas/total passed Eval again on the identical second frame
	assert.EqualValues(t, 2, stat.Failed)
	assert.EqualValues(t, 4, stat.Published)
	assert.EqualValues(t, 4, stat.Suppressed)
}

func TestUndecodableFramesAreSkipped(t *testing.T) {
	t.Parallel()
	g, m, pubs := testMonitor(t, "",
		frameBytes(0xab, []byte{0x01, 0x02}),
		frameBytes(npe.TypeGas, make([]byte, 10)),
		frameBytes(npe.TypeWater, waterPayload(npe.FlowOff, 0x05, 0x10, 0, 0, false)))
	stop := join(t, g, m)

	expectPub(t, pubs, "recirculating", "false")
	expectPub(t, pubs, "stage", "standby")
	expectPub(t, pubs, "water/capacity", "0")
	expectPub(t, pubs, "water/flow_rate", "0")

	stop()
	stat := m.Stat()
	assert.EqualValues(t, 1, stat.OtherType)
	assert.EqualValues(t, 1, stat.BadPacket)
	assert.EqualValues(t, 1, stat.Water)
}

type brokenUart struct{}

func (brokenUart) Open(string) error        { return nil }
func (brokenUart) Read([]byte) (int, error) { return 0, errors.New("io burst") }
func (brokenUart) Close() error             { return nil }

func TestReaderHardErrorStopsRun(t *testing.T) {
	t.Parallel()
	ctx, g := state.NewTestContext(t, "")
	g.Hardware.Uart.Uarter = brokenUart{}

	m := &Monitor{publish: func(string, string) bool { return true }}
	require.NoError(t, m.Init(ctx))
	err := m.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitor read")
	assert.Contains(t, err.Error(), "io burst")
}
