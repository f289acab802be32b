package sdcp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestEnvelope(t *testing.T) {
	req := NewRequest("MB001", CmdPausePrint, map[string]any{"TaskID": "task-7"})

	assert.Equal(t, "sdcp/request/MB001", req.Topic)
	assert.Equal(t, "MB001", req.Data.MainboardID)
	assert.Equal(t, CmdPausePrint, req.Data.Cmd)
	assert.Equal(t, FromApp, req.Data.From)
	assert.NotEmpty(t, req.Data.RequestID)
	assert.NotZero(t, req.Data.TimeStamp)
	assert.Equal(t, "task-7", req.Data.Data["TaskID"])

	// A fresh request gets a fresh id.
	req2 := NewRequest("MB001", CmdPausePrint, nil)
	assert.NotEqual(t, req.Data.RequestID, req2.Data.RequestID)
	assert.NotNil(t, req2.Data.Data)
}

func TestNewHeartbeatEnvelope(t *testing.T) {
	hb := NewHeartbeat("MB001")

	assert.Equal(t, "sdcp/heartbeat/MB001", hb.Topic)
	assert.Equal(t, "MB001", hb.Data.MainboardID)
	assert.Equal(t, FromApp, hb.Data.From)

	data, err := hb.Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "sdcp/heartbeat/MB001", decoded["Topic"])
}

func TestParseMessageStatus(t *testing.T) {
	frame := []byte(`{
		"Topic": "sdcp/status/MB001",
		"Status": {
			"CurrentStatus": [1],
			"PreviousStatus": 0,
			"TempOfUVLED": 24.5,
			"TimeLapseStatus": 1,
			"PrintInfo": {
				"Status": 3,
				"CurrentLayer": 10,
				"TotalLayer": 100,
				"CurrentTicks": 60000,
				"TotalTicks": 600000,
				"Filename": "part.ctb",
				"TaskId": "t1"
			}
		}
	}`)

	msg, err := ParseMessage(frame)
	require.NoError(t, err)
	assert.Equal(t, KindStatus, msg.Kind)
	assert.Equal(t, "MB001", msg.DeviceID)
	require.NotNil(t, msg.Status)
	assert.Equal(t, MachinePrinting, msg.Status.CurrentStatus)
	assert.True(t, msg.Status.TimeLapseEnabled)
	require.NotNil(t, msg.Status.PrintInfo)
	assert.Equal(t, int64(540000), msg.Status.PrintInfo.RemainingTicks)
}

func TestParseMessageResponse(t *testing.T) {
	frame := []byte(`{
		"Topic": "sdcp/response/MB001",
		"Data": {
			"MainboardID": "MB001",
			"RequestID": "r1",
			"Cmd": 386,
			"Data": {"Ack": 0, "VideoUrl": "rtsp://192.168.1.50/stream0"}
		}
	}`)

	msg, err := ParseMessage(frame)
	require.NoError(t, err)
	assert.Equal(t, KindResponse, msg.Kind)
	require.NotNil(t, msg.Response)
	assert.Equal(t, CmdVideoStream, msg.Response.Cmd)
	assert.Equal(t, VideoAckOK, msg.Response.Data.Ack)
	assert.Equal(t, "rtsp://192.168.1.50/stream0", msg.Response.Data.VideoURL)
}

func TestParseMessageMalformed(t *testing.T) {
	_, err := ParseMessage([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedResponse)

	_, err = ParseMessage([]byte(`{"Topic":"sdcp/status/MB001"}`))
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestSplitTopic(t *testing.T) {
	kind, id := splitTopic("sdcp/status/ABC")
	assert.Equal(t, KindStatus, kind)
	assert.Equal(t, "ABC", id)

	kind, _ = splitTopic("sdcp/heartbeat/ABC")
	assert.Equal(t, KindHeartbeat, kind)

	kind, _ = splitTopic("mqtt/other/topic")
	assert.Equal(t, KindUnknown, kind)

	kind, _ = splitTopic("garbage")
	assert.Equal(t, KindUnknown, kind)
}

func TestVideoAckError(t *testing.T) {
	assert.NoError(t, VideoAckError(VideoAckOK))
	assert.ErrorIs(t, VideoAckError(VideoAckStreamLimit), ErrStreamLimit)
	assert.ErrorIs(t, VideoAckError(VideoAckCameraNone), ErrCameraAbsent)
	assert.Error(t, VideoAckError(42))
}

func TestDeviceIdentity(t *testing.T) {
	a := PrinterDevice{ID: "MB001", FirmwareVersion: "V1.0.0", IP: "192.168.1.10"}
	b := PrinterDevice{ID: "MB001", FirmwareVersion: "V1.2.0", IP: "192.168.1.99"}
	c := PrinterDevice{ID: "MB002", FirmwareVersion: "V1.0.0", IP: "192.168.1.10"}

	// Identity is the id alone, whatever else changed.
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestDeviceCapabilities(t *testing.T) {
	d := PrinterDevice{
		Capabilities:     []string{CapFileTransfer, CapPrintControl},
		SupportFileTypes: []string{"CTB"},
	}
	assert.True(t, d.HasCapability(CapFileTransfer))
	assert.False(t, d.HasCapability(CapVideoStream))
	assert.True(t, d.SupportsFileType("CTB"))
	assert.False(t, d.SupportsFileType("GOO"))
}

func TestParseAdvertisement(t *testing.T) {
	adv := []byte(`{
		"Id": "adv-1",
		"Data": {
			"MainboardID": "MB001",
			"Name": "Garage Printer",
			"MachineName": "CBD-01",
			"BrandName": "CBD",
			"MainboardIP": "192.168.1.50",
			"ProtocolVersion": "V3.0.0",
			"FirmwareVersion": "V1.0.0",
			"NetworkStatus": "WLAN",
			"Capabilities": ["FILE_TRANSFER", "PRINT_CONTROL"],
			"SupportFileType": ["CTB"]
		}
	}`)

	dev, err := ParseAdvertisement(adv)
	require.NoError(t, err)
	assert.Equal(t, "MB001", dev.ID)
	assert.Equal(t, "192.168.1.50", dev.IP)
	assert.Equal(t, NetworkWLAN, dev.NetworkStatus)
	assert.True(t, dev.HasCapability(CapPrintControl))
}

func TestParseAdvertisementRejectsIncomplete(t *testing.T) {
	_, err := ParseAdvertisement([]byte(`{"Id":"x","Data":{"Name":"no id"}}`))
	assert.Error(t, err)

	_, err = ParseAdvertisement([]byte(`{"Id":"x"}`))
	assert.Error(t, err)

	_, err = ParseAdvertisement([]byte(`garbage`))
	assert.Error(t, err)
}
