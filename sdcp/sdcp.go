// Package sdcp implements the JSON envelope layer of the SDCP printer
// control protocol: request/heartbeat encoding, status/response frame
// parsing, and the device/status data model.
//
// Pinned protocol revision: V3.0.0 (UDP discovery on port 3000,
// WebSocket control on :3030/websocket, MD5-hashed HTTP chunk upload).
package sdcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Well-known protocol endpoints.
const (
	DiscoveryPort = 3000
	ControlPort   = 3030
	UploadPort    = 3030

	WebSocketPath = "/websocket"
	UploadPath    = "/uploadFile/upload"

	// DiscoveryProbe is the literal payload broadcast to solicit
	// device advertisements.
	DiscoveryProbe = "M99999"
)

// Command codes.
const (
	CmdStartPrint     = 0x80 // 128
	CmdPausePrint     = 0x81 // 129
	CmdStopPrint      = 0x82 // 130
	CmdResumePrint    = 0x83 // 131
	CmdHomeAxis       = 0x84 // 132
	CmdExposureTest   = 0x85 // 133
	CmdDeviceSelfTest = 0x86 // 134
	CmdVideoStream    = 386
)

// FromApp is the originator tag carried in the From field of every
// outbound envelope.
const FromApp = 3

// Video stream negotiation ack codes.
const (
	VideoAckOK          = 0
	VideoAckStreamLimit = 1
	VideoAckCameraNone  = 2
)

var (
	ErrInvalidAddress    = errors.New("invalid device address")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrDisconnected      = errors.New("disconnected")
	ErrMalformedResponse = errors.New("malformed response")
	ErrStreamLimit       = errors.New("video stream limit exceeded")
	ErrCameraAbsent      = errors.New("camera not present")
)

// VideoAckError maps a non-zero video negotiation ack code to an error.
func VideoAckError(ack int) error {
	switch ack {
	case VideoAckOK:
		return nil
	case VideoAckStreamLimit:
		return ErrStreamLimit
	case VideoAckCameraNone:
		return ErrCameraAbsent
	default:
		return fmt.Errorf("video stream refused: ack %d", ack)
	}
}

// Request is the outbound command envelope.
type Request struct {
	Topic string      `json:"Topic"`
	Data  RequestData `json:"Data"`
}

type RequestData struct {
	MainboardID string         `json:"MainboardID"`
	RequestID   string         `json:"RequestID"`
	TimeStamp   int64          `json:"TimeStamp"`
	From        int            `json:"From"`
	Cmd         int            `json:"Cmd"`
	Data        map[string]any `json:"Data"`
}

// NewRequest builds a command envelope addressed to the given device.
// A nil payload is sent as an empty object.
func NewRequest(deviceID string, cmd int, payload map[string]any) Request {
	if payload == nil {
		payload = map[string]any{}
	}
	return Request{
		Topic: "sdcp/request/" + deviceID,
		Data: RequestData{
			MainboardID: deviceID,
			RequestID:   uuid.NewString(),
			TimeStamp:   time.Now().Unix(),
			From:        FromApp,
			Cmd:         cmd,
			Data:        payload,
		},
	}
}

// Encode serializes the request for transmission.
func (r Request) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Heartbeat is the periodic keepalive envelope.
type Heartbeat struct {
	Topic string        `json:"Topic"`
	Data  HeartbeatData `json:"Data"`
}

type HeartbeatData struct {
	MainboardID string `json:"MainboardID"`
	TimeStamp   int64  `json:"TimeStamp"`
	From        int    `json:"From"`
}

// NewHeartbeat builds a heartbeat envelope for the given device.
func NewHeartbeat(deviceID string) Heartbeat {
	return Heartbeat{
		Topic: "sdcp/heartbeat/" + deviceID,
		Data: HeartbeatData{
			MainboardID: deviceID,
			TimeStamp:   time.Now().Unix(),
			From:        FromApp,
		},
	}
}

// Encode serializes the heartbeat for transmission.
func (h Heartbeat) Encode() ([]byte, error) {
	return json.Marshal(h)
}

// MessageKind classifies an inbound frame by its topic.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindStatus
	KindResponse
	KindHeartbeat
)

// Message is a parsed inbound frame. Exactly one of Status or Response
// is populated, depending on Kind.
type Message struct {
	Kind     MessageKind
	DeviceID string
	Status   *PrintStatus
	Response *Response
}

// Response is a command acknowledgement frame.
type Response struct {
	MainboardID string          `json:"MainboardID"`
	RequestID   string          `json:"RequestID"`
	TimeStamp   int64           `json:"TimeStamp"`
	Cmd         int             `json:"Cmd"`
	Data        ResponsePayload `json:"Data"`
}

type ResponsePayload struct {
	Ack      int    `json:"Ack"`
	VideoURL string `json:"VideoUrl"`
}

// rawFrame covers the envelope shapes the printer sends: status frames
// nest the snapshot under "Status", responses nest under "Data".
type rawFrame struct {
	Topic  string          `json:"Topic"`
	Status *PrintStatus    `json:"Status"`
	Data   json.RawMessage `json:"Data"`
}

// ParseMessage decodes an inbound frame and classifies it by topic.
func ParseMessage(b []byte) (*Message, error) {
	var raw rawFrame
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	kind, deviceID := splitTopic(raw.Topic)
	msg := &Message{Kind: kind, DeviceID: deviceID}

	switch kind {
	case KindStatus:
		if raw.Status == nil {
			return nil, fmt.Errorf("%w: status frame without Status payload", ErrMalformedResponse)
		}
		raw.Status.Normalize()
		msg.Status = raw.Status

	case KindResponse:
		if len(raw.Data) == 0 {
			return nil, fmt.Errorf("%w: response frame without Data payload", ErrMalformedResponse)
		}
		var resp Response
		if err := json.Unmarshal(raw.Data, &resp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		msg.Response = &resp
	}

	return msg, nil
}

// splitTopic extracts the message kind and target device id from a
// topic of the form "sdcp/{kind}/{deviceId}".
func splitTopic(topic string) (MessageKind, string) {
	parts := strings.SplitN(topic, "/", 3)
	if len(parts) != 3 || parts[0] != "sdcp" {
		return KindUnknown, ""
	}
	switch parts[1] {
	case "status":
		return KindStatus, parts[2]
	case "response":
		return KindResponse, parts[2]
	case "heartbeat":
		return KindHeartbeat, parts[2]
	}
	return KindUnknown, parts[2]
}
