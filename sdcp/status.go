package sdcp

import (
	"encoding/json"
)

// MachineStatus is the coarse device state.
type MachineStatus int

const (
	MachineIdle MachineStatus = iota
	MachinePrinting
	MachineFileTransferring
	MachineExposureTesting
	MachineDevicesTesting
	MachinePaused
	MachineStopped
)

func (s MachineStatus) String() string {
	switch s {
	case MachineIdle:
		return "idle"
	case MachinePrinting:
		return "printing"
	case MachineFileTransferring:
		return "file_transferring"
	case MachineExposureTesting:
		return "exposure_testing"
	case MachineDevicesTesting:
		return "devices_testing"
	case MachinePaused:
		return "paused"
	case MachineStopped:
		return "stopped"
	}
	return "unknown"
}

// PrintSubStatus is the fine-grained phase of an active print job.
type PrintSubStatus int

const (
	SubIdle PrintSubStatus = iota
	SubHoming
	SubDropping
	SubExposuring
	SubLifting
	SubPausing
	SubPaused
	SubStopping
	SubStopped
	SubComplete
	SubFileChecking
)

func (s PrintSubStatus) String() string {
	switch s {
	case SubIdle:
		return "idle"
	case SubHoming:
		return "homing"
	case SubDropping:
		return "dropping"
	case SubExposuring:
		return "exposuring"
	case SubLifting:
		return "lifting"
	case SubPausing:
		return "pausing"
	case SubPaused:
		return "paused"
	case SubStopping:
		return "stopping"
	case SubStopped:
		return "stopped"
	case SubComplete:
		return "complete"
	case SubFileChecking:
		return "file_checking"
	}
	return "unknown"
}

// ComponentState is the tri-state self-test result for one subsystem.
type ComponentState int

const (
	ComponentNotConnected ComponentState = iota
	ComponentNormal
	ComponentAbnormal
)

func (s ComponentState) String() string {
	switch s {
	case ComponentNotConnected:
		return "not_connected"
	case ComponentNormal:
		return "normal"
	case ComponentAbnormal:
		return "abnormal"
	}
	return "unknown"
}

// DeviceComponentStatus is the per-subsystem self-test result map
// reported by the printer.
type DeviceComponentStatus struct {
	UVLEDTempSensor ComponentState `json:"TempSensorStatusOfUVLED"`
	LCD             ComponentState `json:"LCDStatus"`
	StrainGauge     ComponentState `json:"SgStatus"`
	ZMotor          ComponentState `json:"ZMotorStatus"`
	RotateMotor     ComponentState `json:"RotateMotorStatus"`
	ReleaseFilm     ComponentState `json:"ReleaseFilmState"`
	XMotor          ComponentState `json:"XMotorStatus"`
}

// PrintInfo describes the job currently loaded on the printer.
type PrintInfo struct {
	Status         PrintSubStatus `json:"Status"`
	CurrentLayer   int            `json:"CurrentLayer"`
	TotalLayer     int            `json:"TotalLayer"`
	CurrentTicks   int64          `json:"CurrentTicks"`
	TotalTicks     int64          `json:"TotalTicks"`
	RemainingTicks int64          `json:"RemainTicks"`
	Filename       string         `json:"Filename"`
	ErrorNumber    int            `json:"ErrorNumber"`
	TaskID         string         `json:"TaskId"`
	PrintSpeed     float64        `json:"PrintSpeed"`
	ZHeight        float64        `json:"CurrentZ"`
}

// Progress returns the layer completion fraction in [0, 1].
func (p PrintInfo) Progress() float64 {
	if p.TotalLayer <= 0 {
		return 0
	}
	f := float64(p.CurrentLayer) / float64(p.TotalLayer)
	if f > 1 {
		return 1
	}
	return f
}

// ErrorReason returns a human-readable description of ErrorNumber.
func (p PrintInfo) ErrorReason() string {
	if r, ok := printErrorReasons[p.ErrorNumber]; ok {
		return r
	}
	return "unknown error"
}

// Printer-reported error numbers, per the V3.0.0 firmware table.
var printErrorReasons = map[int]string{
	0:  "ok",
	1:  "over temperature",
	2:  "strain gauge calibration failed",
	3:  "resin level low",
	4:  "model needs more resin than the vat holds",
	5:  "no resin detected",
	6:  "foreign body detected",
	7:  "auto leveling failed",
	8:  "model detached from plate",
	9:  "strain gauge not connected",
	10: "LCD connection fault",
	11: "release film cycle limit reached",
	12: "USB disk removed",
	13: "X motor fault",
	14: "Z motor fault",
	15: "resin level too high",
	16: "resin level too low",
	17: "homing failed",
	18: "model attached to platform",
	19: "print error",
	20: "motor motion fault",
	21: "no model detected",
	22: "model edge warping detected",
	23: "Y motor fault",
	24: "bad print file",
	25: "camera fault",
	26: "network fault",
	27: "server connection failed",
	28: "app not bound",
	29: "resin feeder mount fault",
	30: "feeder container resin low",
	31: "resin feeder not connected",
	32: "resin feed timeout",
	33: "vat temperature sensor not connected",
	34: "vat temperature sensor over temperature",
}

// PrintStatus is the full runtime snapshot of one device.
type PrintStatus struct {
	CurrentStatus    MachineStatus          `json:"CurrentStatus"`
	PreviousStatus   MachineStatus          `json:"PreviousStatus"`
	PrintScreenTime  int64                  `json:"PrintScreen"`
	ReleaseFilmCount int                    `json:"ReleaseFilm"`
	UVLEDTemp        float64                `json:"TempOfUVLED"`
	TimeLapseEnabled bool                   `json:"-"`
	BoxTemp          float64                `json:"TempOfBox"`
	BoxTargetTemp    float64                `json:"TempTargetBox"`
	PrintInfo        *PrintInfo             `json:"PrintInfo,omitempty"`
	DevicesStatus    *DeviceComponentStatus `json:"DevicesStatus,omitempty"`
}

// printStatusWire mirrors PrintStatus with the fields whose wire shape
// differs from the Go model: CurrentStatus arrives as either an int or
// a one-element array depending on firmware, and TimeLapseStatus is a
// 0/1 integer.
type printStatusWire struct {
	CurrentStatus    json.RawMessage        `json:"CurrentStatus"`
	PreviousStatus   MachineStatus          `json:"PreviousStatus"`
	PrintScreenTime  int64                  `json:"PrintScreen"`
	ReleaseFilmCount int                    `json:"ReleaseFilm"`
	UVLEDTemp        float64                `json:"TempOfUVLED"`
	TimeLapseStatus  int                    `json:"TimeLapseStatus"`
	BoxTemp          float64                `json:"TempOfBox"`
	BoxTargetTemp    float64                `json:"TempTargetBox"`
	PrintInfo        *PrintInfo             `json:"PrintInfo,omitempty"`
	DevicesStatus    *DeviceComponentStatus `json:"DevicesStatus,omitempty"`
}

func (s *PrintStatus) UnmarshalJSON(b []byte) error {
	var w printStatusWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	*s = PrintStatus{
		PreviousStatus:   w.PreviousStatus,
		PrintScreenTime:  w.PrintScreenTime,
		ReleaseFilmCount: w.ReleaseFilmCount,
		UVLEDTemp:        w.UVLEDTemp,
		TimeLapseEnabled: w.TimeLapseStatus == 1,
		BoxTemp:          w.BoxTemp,
		BoxTargetTemp:    w.BoxTargetTemp,
		PrintInfo:        w.PrintInfo,
		DevicesStatus:    w.DevicesStatus,
	}
	s.CurrentStatus = decodeMachineStatus(w.CurrentStatus)
	return nil
}

func (s PrintStatus) MarshalJSON() ([]byte, error) {
	tl := 0
	if s.TimeLapseEnabled {
		tl = 1
	}
	cur, _ := json.Marshal(int(s.CurrentStatus))
	return json.Marshal(printStatusWire{
		CurrentStatus:    cur,
		PreviousStatus:   s.PreviousStatus,
		PrintScreenTime:  s.PrintScreenTime,
		ReleaseFilmCount: s.ReleaseFilmCount,
		UVLEDTemp:        s.UVLEDTemp,
		TimeLapseStatus:  tl,
		BoxTemp:          s.BoxTemp,
		BoxTargetTemp:    s.BoxTargetTemp,
		PrintInfo:        s.PrintInfo,
		DevicesStatus:    s.DevicesStatus,
	})
}

func decodeMachineStatus(raw json.RawMessage) MachineStatus {
	if len(raw) == 0 {
		return MachineIdle
	}
	var single int
	if err := json.Unmarshal(raw, &single); err == nil {
		return MachineStatus(single)
	}
	var list []int
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return MachineStatus(list[0])
	}
	return MachineIdle
}

// Normalize restores the derived-field invariants after decoding:
// remaining time is total minus elapsed, never negative, and the
// current layer never exceeds the total.
func (s *PrintStatus) Normalize() {
	if s.PrintInfo == nil {
		return
	}
	info := s.PrintInfo
	if info.TotalLayer > 0 && info.CurrentLayer > info.TotalLayer {
		info.CurrentLayer = info.TotalLayer
	}
	remaining := info.TotalTicks - info.CurrentTicks
	if remaining < 0 {
		remaining = 0
	}
	info.RemainingTicks = remaining
}

// IsPrinting reports whether the device is actively printing.
func (s PrintStatus) IsPrinting() bool {
	return s.CurrentStatus == MachinePrinting
}
