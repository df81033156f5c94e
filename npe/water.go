package npe

import (
	"fmt"
	"math"

	"github.com/juju/errors"
)

// Flow status is a discrete code, not a bitfield. Values other than these
// three have not been observed.
const (
	FlowOff           byte = 0x00
	FlowRecirculating byte = 0x08
	FlowDemand        byte = 0x20
)

// WaterPacket is a typed read-only view over a water telemetry frame.
type WaterPacket struct {
	f   *Frame
	lay *WaterLayout
}

func NewWater(f *Frame, rev *Revision) (WaterPacket, error) {
	h := f.Header()
	if h.Type != TypeWater {
		return WaterPacket{}, errors.NotValidf("frame=%s water type=%02x", f.Format(), h.Type)
	}
	if int(h.Length) != rev.Water.PayloadLength {
		return WaterPacket{}, errors.NotValidf("frame=%s water length=%d expect=%d", f.Format(), h.Length, rev.Water.PayloadLength)
	}
	return WaterPacket{f: f, lay: &rev.Water}, nil
}

// CommandType is 0x42 on every water frame seen so far.
func (p WaterPacket) CommandType() byte { return p.f.b[p.lay.CommandType] }

func (p WaterPacket) FlowStatus() byte { return p.f.b[p.lay.FlowStatus] }
func (p WaterPacket) FlowRecirculating() bool { return p.FlowStatus() == FlowRecirculating }
func (p WaterPacket) FlowDemand() bool { return p.FlowStatus() == FlowDemand }

func (p WaterPacket) SystemPower() byte { return p.f.b[p.lay.Power] }
func (p WaterPacket) PowerOn() bool { return p.SystemPower()&0x05 == 0x05 }
func (p WaterPacket) PowerRecirculationOn() bool { return p.SystemPower()&0x20 != 0 }

func (p WaterPacket) SystemStage() byte { return (p.f.b[p.lay.Stage] & 0xf0) >> 4 }

// StageName maps the stage code to the vendor app's label. Recirculation
// cycles get a prefix, except in standby where flow status alone already
// says it.
func (p WaterPacket) StageName() string {
	var name string
	switch stage := p.SystemStage(); stage {
	case 1:
		return "standby"
	case 2:
		name = "startup"
	case 3:
		name = "active"
	case 4:
		name = "shutdown"
	default:
		return fmt.Sprintf("unknown-%d", stage)
	}
	if p.FlowRecirculating() {
		name = "recirculation-" + name
	}
	return name
}

func (p WaterPacket) WaterSetTempC() float64 { return float64(p.f.b[p.lay.SetTemp]) * 0.5 }
func (p WaterPacket) WaterSetTempF() float64 { return cToF(p.WaterSetTempC()) }

func (p WaterPacket) HeatExchangerOutletTempC() float64 {
	return float64(p.f.b[p.lay.OutletTemp]) * 0.5
}
func (p WaterPacket) HeatExchangerOutletTempF() float64 { return cToF(p.HeatExchangerOutletTempC()) }
func (p WaterPacket) HeatExchangerInletTempC() float64 {
	return float64(p.f.b[p.lay.InletTemp]) * 0.5
}
func (p WaterPacket) HeatExchangerInletTempF() float64 { return cToF(p.HeatExchangerInletTempC()) }

// OperatingCapacityPercent rounds half to even like the vendor app. Odd raw
// values land exactly on .5 so the tie rule is observable here.
func (p WaterPacket) OperatingCapacityPercent() int {
	return int(math.RoundToEven(float64(p.f.b[p.lay.Capacity]) * 0.5))
}

func (p WaterPacket) FlowRateLpm() float64 { return float64(p.f.b[p.lay.FlowRate]) / 10 }
func (p WaterPacket) FlowRateGpm() float64 { return litersToGallons(p.FlowRateLpm()) }

func (p WaterPacket) SystemStatus() byte { return p.f.b[p.lay.Status] }
func (p WaterPacket) InternalRecirculationEnabled() bool {
	return p.SystemStatus()&0x01 != 0
}
func (p WaterPacket) ExternalRecirculationEnabled() bool {
	return p.SystemStatus()&0x02 != 0
}
func (p WaterPacket) RecirculationEnabled() bool {
	return p.SystemStatus()&(0x01|0x02) != 0
}
func (p WaterPacket) MetricDisplay() bool { return p.SystemStatus()&0x08 != 0 }

func (p WaterPacket) SystemActive() bool { return p.f.b[p.lay.Active] == 0x01 }

func (p WaterPacket) TotalRunTimeH() uint16 { return p.f.u16(p.lay.RunTime) }

func (p WaterPacket) String() string {
	return fmt.Sprintf("water: stage=%s flow=%02x power=%02x set=%.1fC hxout=%.1fC hxin=%.1fC cap=%d%% rate=%.1flpm/%.1fgpm status=%02x active=%t runtime=%dh",
		p.StageName(), p.FlowStatus(), p.SystemPower(),
		p.WaterSetTempC(), p.HeatExchangerOutletTempC(), p.HeatExchangerInletTempC(),
		p.OperatingCapacityPercent(), p.FlowRateLpm(), p.FlowRateGpm(),
		p.SystemStatus(), p.SystemActive(), p.TotalRunTimeH())
}
