package npe

import (
	"fmt"

	"github.com/juju/errors"
)

// GasPacket is a typed read-only view over a gas telemetry frame. It borrows
// the frame, valid only while the frame is.
type GasPacket struct {
	f   *Frame
	lay *GasLayout
}

func NewGas(f *Frame, rev *Revision) (GasPacket, error) {
	h := f.Header()
	if h.Type != TypeGas {
		return GasPacket{}, errors.NotValidf("frame=%s gas type=%02x", f.Format(), h.Type)
	}
	if int(h.Length) != rev.Gas.PayloadLength {
		return GasPacket{}, errors.NotValidf("frame=%s gas length=%d expect=%d", f.Format(), h.Length, rev.Gas.PayloadLength)
	}
	return GasPacket{f: f, lay: &rev.Gas}, nil
}

// CommandType is 0x45 on every gas frame seen so far.
func (p GasPacket) CommandType() byte { return p.f.b[p.lay.CommandType] }

func (p GasPacket) ControllerVersion() uint16 { return p.f.u16(p.lay.ControllerVersion) }
func (p GasPacket) PanelVersion() uint16 { return p.f.u16(p.lay.PanelVersion) }

func (p GasPacket) WaterSetTempC() float64 { return float64(p.f.b[p.lay.SetTemp]) * 0.5 }
func (p GasPacket) WaterSetTempF() float64 { return cToF(p.WaterSetTempC()) }
func (p GasPacket) WaterOutletTempC() float64 { return float64(p.f.b[p.lay.OutletTemp]) * 0.5 }
func (p GasPacket) WaterOutletTempF() float64 { return cToF(p.WaterOutletTempC()) }
func (p GasPacket) WaterInletTempC() float64 { return float64(p.f.b[p.lay.InletTemp]) * 0.5 }
func (p GasPacket) WaterInletTempF() float64 { return cToF(p.WaterInletTempC()) }

func (p GasPacket) GasSetUsageKcal() uint16 { return p.f.u16(p.lay.SetKcal) }
func (p GasPacket) GasSetUsageBtu() int { return kcalToBtu(p.GasSetUsageKcal()) }
func (p GasPacket) GasCurrentUsageKcal() uint16 { return p.f.u16(p.lay.CurrentKcal) }
func (p GasPacket) GasCurrentUsageBtu() int { return kcalToBtu(p.GasCurrentUsageKcal()) }

func (p GasPacket) GasTotalUsageM3() float64 { return float64(p.f.u32(p.lay.TotalGas)) * 0.1 }
func (p GasPacket) GasTotalUsageCcf() float64 { return m3ToCcf(p.GasTotalUsageM3()) }

func (p GasPacket) DaysSinceInstall() uint16 { return p.f.u16(p.lay.DaysInstalled) }

// TimesUsed is stored divided by ten on the wire.
func (p GasPacket) TimesUsed() int { return int(p.f.u16(p.lay.TimesUsed)) * 10 }

func (p GasPacket) WaterTotalUsageL() float64 { return float64(p.f.u32(p.lay.TotalWater)) * 0.1 }
func (p GasPacket) WaterTotalUsageG() float64 { return litersToGallons(p.WaterTotalUsageL()) }

func (p GasPacket) TotalRunTimeH() uint32 { return p.f.u32(p.lay.RunTime) }

func (p GasPacket) RecirculationEnabled() bool { return p.f.b[p.lay.Recirculation] != 0x00 }

func (p GasPacket) String() string {
	return fmt.Sprintf("gas: ctl=%d pnl=%d set=%.1fC outlet=%.1fC inlet=%.1fC gasset=%dkcal gascur=%dkcal/%dbtu gastotal=%.1fm3/%.1fccf watertotal=%.1fL/%.1fg days=%d used=%d runtime=%dh recirc=%t",
		p.ControllerVersion(), p.PanelVersion(),
		p.WaterSetTempC(), p.WaterOutletTempC(), p.WaterInletTempC(),
		p.GasSetUsageKcal(), p.GasCurrentUsageKcal(), p.GasCurrentUsageBtu(),
		p.GasTotalUsageM3(), p.GasTotalUsageCcf(),
		p.WaterTotalUsageL(), p.WaterTotalUsageG(),
		p.DaysSinceInstall(), p.TimesUsed(), p.TotalRunTimeH(),
		p.RecirculationEnabled())
}
