package sdcp

import (
	"encoding/json"
	"fmt"
)

// Device capabilities advertised during discovery.
const (
	CapFileTransfer = "FILE_TRANSFER"
	CapPrintControl = "PRINT_CONTROL"
	CapVideoStream  = "VIDEO_STREAM"
)

// Network interface kinds reported by the device.
const (
	NetworkWLAN     = "WLAN"
	NetworkEthernet = "Ethernet"
)

// PrinterDevice holds the identity and static capabilities of a
// physical printer. Identity is the MainboardID alone: two observations
// with the same ID describe the same device even when firmware or
// capability fields differ.
type PrinterDevice struct {
	ID               string   `json:"MainboardID"`
	Name             string   `json:"Name"`
	MachineName      string   `json:"MachineName"`
	BrandName        string   `json:"BrandName"`
	IP               string   `json:"MainboardIP"`
	ProtocolVersion  string   `json:"ProtocolVersion"`
	FirmwareVersion  string   `json:"FirmwareVersion"`
	Resolution       string   `json:"Resolution,omitempty"`
	XYZSize          string   `json:"XYZsize,omitempty"`
	NetworkStatus    string   `json:"NetworkStatus,omitempty"`
	USBDiskStatus    int      `json:"UsbDiskStatus,omitempty"`
	Capabilities     []string `json:"Capabilities,omitempty"`
	SupportFileTypes []string `json:"SupportFileType,omitempty"`
}

// Equal reports whether both values describe the same physical device.
func (d PrinterDevice) Equal(other PrinterDevice) bool {
	return d.ID == other.ID
}

// HasCapability reports whether the device advertised the capability.
func (d PrinterDevice) HasCapability(cap string) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// SupportsFileType reports whether the device accepts the extension.
func (d PrinterDevice) SupportsFileType(ext string) bool {
	for _, t := range d.SupportFileTypes {
		if t == ext {
			return true
		}
	}
	return false
}

// String returns a human-readable representation of the device.
func (d PrinterDevice) String() string {
	return fmt.Sprintf("%s@%s - %s %s", d.ID, d.IP, d.BrandName, d.MachineName)
}

// advertisement is the discovery reply envelope: the device attributes
// are nested under "Data".
type advertisement struct {
	ID   string          `json:"Id"`
	Data json.RawMessage `json:"Data"`
}

// ParseAdvertisement decodes a UDP discovery reply into a
// PrinterDevice. Replies without a device id or address are rejected.
func ParseAdvertisement(b []byte) (*PrinterDevice, error) {
	var adv advertisement
	if err := json.Unmarshal(b, &adv); err != nil {
		return nil, fmt.Errorf("parsing advertisement: %w", err)
	}
	if len(adv.Data) == 0 {
		return nil, fmt.Errorf("advertisement without Data payload")
	}

	var dev PrinterDevice
	if err := json.Unmarshal(adv.Data, &dev); err != nil {
		return nil, fmt.Errorf("parsing advertisement data: %w", err)
	}
	if dev.ID == "" || dev.IP == "" {
		return nil, fmt.Errorf("advertisement missing device id or address")
	}
	return &dev, nil
}
