// Package monitor is the daemon core: reads frames off the serial tap,
// decodes them and feeds the interesting readings to telemetry. Everything
// runs on one goroutine, strictly in bus arrival order.
package monitor

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/atomic_clock"
	"github.com/teplo/navitele/internal/metric"
	"github.com/teplo/navitele/internal/state"
	"github.com/teplo/navitele/log2"
	"github.com/teplo/navitele/npe"
)

// A healthy controller chats a few frames per second. A minute of silence
// means the tap, wiring or baud config is broken.
const staleAfter = 60 * time.Second

// Readings that change every second or faster. Without config override only
// these wait out metric.throttle_ms between publishes.
var defaultThrottled = []string{
	"gas/current",
	"water/capacity",
	"water/flow_rate",
	"water/inlet_temp",
	"water/outlet_temp",
}

type gasMetric struct {
	name string
	get  func(npe.GasPacket) metric.Value
}

type waterMetric struct {
	name string
	get  func(npe.WaterPacket) metric.Value
}

var gasMetrics = []gasMetric{
	{"gas/current", func(p npe.GasPacket) metric.Value { return metric.NewInt(p.GasCurrentUsageBtu()) }},
	{"gas/total", func(p npe.GasPacket) metric.Value { return metric.NewFloat(p.GasTotalUsageCcf()) }},
	{"water/inlet_temp", func(p npe.GasPacket) metric.Value { return metric.NewFloat(p.WaterInletTempF()) }},
	{"water/outlet_temp", func(p npe.GasPacket) metric.Value { return metric.NewFloat(p.WaterOutletTempF()) }},
	{"water/total", func(p npe.GasPacket) metric.Value { return metric.NewFloat(p.WaterTotalUsageG()) }},
}

var waterMetrics = []waterMetric{
	{"recirculating", func(p npe.WaterPacket) metric.Value { return metric.NewBool(p.PowerRecirculationOn()) }},
	{"stage", func(p npe.WaterPacket) metric.Value { return metric.NewString(p.StageName()) }},
	{"water/capacity", func(p npe.WaterPacket) metric.Value { return metric.NewInt(p.OperatingCapacityPercent()) }},
	{"water/flow_rate", func(p npe.WaterPacket) metric.Value {
		// An idle controller keeps reporting the last measured rate.
		if p.FlowDemand() && p.SystemActive() {
			return metric.NewFloat(p.FlowRateGpm())
		}
		return metric.NewFloat(0)
	}},
}

type Stat struct {
	Gas        uint32
	Water      uint32
	OtherType  uint32
	BadPacket  uint32
	Published  uint32
	Suppressed uint32
	Failed     uint32
}

type Monitor struct { //nolint:maligned
	g   *state.Global
	log *log2.Log
	rev *npe.Revision
	asm *npe.Assembler
	ms  *metric.State

	gasWatch   *npe.Watch
	waterWatch *npe.Watch

	lastFrame     atomic_clock.Clock
	lastStaleWarn atomic_clock.Clock
	stat          Stat

	publish func(name, value string) bool
}

func (self *Monitor) Init(ctx context.Context) error {
	g := state.GetGlobal(ctx)
	self.g = g

	decodeConfig := &g.Config.Decode
	rev, err := npe.RevisionByName(decodeConfig.Revision)
	if err != nil {
		return errors.Trace(err)
	}
	self.rev = rev

	self.log = g.Log.Clone(log2.LInfo)
	if decodeConfig.DebugPackets {
		self.log.SetLevel(log2.LDebug)
	}

	// test code sets .publish
	if self.publish == nil {
		self.publish = g.Tele.Publish
	}

	throttled := g.Config.Metric.Throttled
	if len(throttled) == 0 {
		throttled = defaultThrottled
	}
	interval := time.Duration(g.Config.Metric.ThrottleMs) * time.Millisecond
	self.ms = metric.NewState(interval, throttled)

	if decodeConfig.WatchUnknown {
		self.gasWatch = npe.NewWatch("gas", rev.Gas.WatchBytes, self.log)
		self.waterWatch = npe.NewWatch("water", rev.Water.WatchBytes, self.log)
	}

	// The transceiver must listen before the first read or the hunt starts
	// mid frame every time.
	if _, err := g.RS485(); err != nil {
		return errors.Trace(err)
	}
	uarter, err := g.Uart()
	if err != nil {
		return errors.Trace(err)
	}
	self.asm = npe.NewAssembler(uarter, self.log)
	return nil
}

// Run reads the bus until Alive stop or a hard reader error. Soft reader
// outcomes only feed the staleness check, decode problems of any kind are
// logged and skipped.
func (self *Monitor) Run() error {
	self.lastFrame.SetNow()
	defer func() {
		self.log.Infof("monitor stat=%+v assembler=%+v", self.stat, self.asm.Stat())
	}()

	f := new(npe.Frame)
	for self.g.Alive.IsRunning() {
		err := self.asm.ReadFrame(f)
		switch {
		case err == nil:
			self.lastFrame.SetNow()
			self.onFrame(f)
		case npe.IsNoFrame(err):
			self.checkStale()
		default:
			return errors.Annotate(err, "monitor read")
		}
	}
	return nil
}

func (self *Monitor) Stat() Stat { return self.stat }

func (self *Monitor) onFrame(f *npe.Frame) {
	self.log.Debugf("frame %s", f.Format())
	switch h := f.Header(); h.Type {
	case npe.TypeGas:
		self.onGas(f)
	case npe.TypeWater:
		self.onWater(f)
	default:
		self.stat.OtherType++
		self.log.Debugf("type=%02x not decoded frame=%s", h.Type, f.Format())
	}
}

func (self *Monitor) onGas(f *npe.Frame) {
	p, err := npe.NewGas(f, self.rev)
	if err != nil {
		self.stat.BadPacket++
		self.log.Infof("drop %v", err)
		return
	}
	self.stat.Gas++
	self.log.Debugf("%s", p)
	self.gasWatch.Observe(f)
	now := time.Now()
	for _, m := range gasMetrics {
		self.offer(m.name, m.get(p), now)
	}
}

func (self *Monitor) onWater(f *npe.Frame) {
	p, err := npe.NewWater(f, self.rev)
	if err != nil {
		self.stat.BadPacket++
		self.log.Infof("drop %v", err)
		return
	}
	self.stat.Water++
	self.log.Debugf("%s", p)
	self.waterWatch.Observe(f)
	now := time.Now()
	for _, m := range waterMetrics {
		self.offer(m.name, m.get(p), now)
	}
}

// offer runs one candidate through throttling and delivery. Commit happens
// only after the transport accepted the value, a failed publish is retried
// with the next frame carrying it.
func (self *Monitor) offer(name string, v metric.Value, now time.Time) {
	if !self.ms.Eval(name, v, now) {
		self.stat.Suppressed++
		return
	}
	if !self.publish(name, v.String()) {
		self.stat.Failed++
		self.log.Infof("publish failed metric=%s value=%s", name, v.String())
		return
	}
	self.ms.Commit(name, v, now)
	self.stat.Published++
}

func (self *Monitor) checkStale() {
	if atomic_clock.Since(&self.lastFrame) < staleAfter {
		return
	}
	if atomic_clock.Since(&self.lastStaleWarn) < staleAfter {
		return
	}
	self.lastStaleWarn.SetNow()
	self.g.Error(errors.Timeoutf("no valid frame in %s, bus tap", staleAfter))
}
