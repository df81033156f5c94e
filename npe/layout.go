package npe

import (
	"github.com/juju/errors"
)

// GasLayout and WaterLayout carry the frame offsets of every decoded field
// for one controller firmware family. They are hand-written contracts, not a
// schema: accessors stay typed and the set of fields is closed. WatchBytes
// lists offsets whose meaning is still unknown, for the diagnostic Watch.
type GasLayout struct {
	PayloadLength     int
	CommandType       int
	ControllerVersion int
	PanelVersion      int
	SetTemp           int
	OutletTemp        int
	InletTemp         int
	SetKcal           int
	CurrentKcal       int
	TotalGas          int
	DaysInstalled     int
	TimesUsed         int
	TotalWater        int
	RunTime           int
	Recirculation     int
	WatchBytes        []int
}

type WaterLayout struct {
	PayloadLength int
	CommandType   int
	FlowStatus    int
	Power         int
	Stage         int
	SetTemp       int
	OutletTemp    int
	InletTemp     int
	Capacity      int
	FlowRate      int
	Status        int
	Active        int
	RunTime       int
	WatchBytes    []int
}

// Revision selects the layout tables for one firmware family. The registry
// exists because controllers shift unknown fields between firmwares; only
// layouts verified against a live bus belong here.
type Revision struct {
	Name  string
	Gas   GasLayout
	Water WaterLayout
}

const DefaultRevision = "npe-a2"

// RevisionA2 was reverse engineered from an NPE-240A2.
var RevisionA2 = &Revision{
	Name: DefaultRevision,
	Gas: GasLayout{
		PayloadLength:     42,
		CommandType:       6,
		ControllerVersion: 10,
		PanelVersion:      12,
		SetTemp:           14,
		OutletTemp:        15,
		InletTemp:         16,
		SetKcal:           19,
		CurrentKcal:       22,
		TotalGas:          24,
		DaysInstalled:     28,
		TimesUsed:         30,
		TotalWater:        32,
		RunTime:           36,
		Recirculation:     46,
		WatchBytes:        []int{32, 33, 34, 35, 36, 37},
	},
	Water: WaterLayout{
		PayloadLength: 34,
		CommandType:   6,
		FlowStatus:    8,
		Power:         9,
		Stage:         10,
		SetTemp:       11,
		OutletTemp:    12,
		InletTemp:     13,
		Capacity:      17,
		FlowRate:      18,
		Status:        24,
		Active:        27,
		RunTime:       28,
		WatchBytes:    []int{8, 9, 10, 27, 28},
	},
}

var revisions = map[string]*Revision{
	RevisionA2.Name: RevisionA2,
}

func RevisionByName(name string) (*Revision, error) {
	if name == "" {
		name = DefaultRevision
	}
	if r, ok := revisions[name]; ok {
		return r, nil
	}
	return nil, errors.NotValidf("protocol revision=%s", name)
}
