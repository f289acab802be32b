// Package printer owns the per-device runtime: the durable device
// registry and the session manager that keeps one live SDCP connection
// per device, reconciles inbound status frames into a single
// authoritative snapshot, and fans updates out to subscribers.
package printer

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/marc/sdcp_bridge/sdcp"
)

const heartbeatInterval = 30 * time.Second

// ErrorHandler receives asynchronous session errors (transport
// failures, heartbeat failures). Errors are scoped to one device and
// never fatal.
type ErrorHandler func(deviceID string, err error)

// Session binds one device to a live transport, a heartbeat timer and
// the authoritative status snapshot. All snapshot mutation funnels
// through the session mutex so frames apply in receipt order.
type Session struct {
	device    sdcp.PrinterDevice
	transport Transport
	registry  *Registry
	bus       *Bus
	onError   ErrorHandler
	heartbeat time.Duration

	mu        sync.Mutex
	status    *sdcp.PrintStatus
	videoURL  string
	connected bool

	teardown sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// Device returns the device this session is bound to.
func (s *Session) Device() sdcp.PrinterDevice {
	return s.device
}

// Connected reports whether the transport is still up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Status returns the current authoritative snapshot. Before the first
// live frame this is the registry's last known status, if any.
func (s *Session) Status() (sdcp.PrintStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == nil {
		return sdcp.PrintStatus{}, false
	}
	return *s.status, true
}

// VideoURL returns the negotiated stream URL, or "" when no stream is
// active.
func (s *Session) VideoURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoURL
}

// SendCommand wraps the payload in a request envelope and transmits
// it. Local state never changes here: the printer is the authority,
// and state moves only when its status frame arrives.
func (s *Session) SendCommand(cmd int, payload map[string]any) error {
	req := sdcp.NewRequest(s.device.ID, cmd, payload)
	data, err := req.Encode()
	if err != nil {
		return fmt.Errorf("encoding command 0x%x: %w", cmd, err)
	}
	if err := s.transport.Send(data); err != nil {
		return fmt.Errorf("sending command 0x%x: %w", cmd, err)
	}
	return nil
}

// StartPrint asks the printer to start printing the named file.
func (s *Session) StartPrint(filename string) error {
	return s.SendCommand(sdcp.CmdStartPrint, map[string]any{"Filename": filename, "StartLayer": 0})
}

// Pause pauses the current job.
func (s *Session) Pause() error {
	return s.SendCommand(sdcp.CmdPausePrint, s.taskPayload())
}

// Resume resumes a paused job.
func (s *Session) Resume() error {
	return s.SendCommand(sdcp.CmdResumePrint, s.taskPayload())
}

// Stop stops the current job.
func (s *Session) Stop() error {
	return s.SendCommand(sdcp.CmdStopPrint, s.taskPayload())
}

// Home homes the axes.
func (s *Session) Home() error {
	return s.SendCommand(sdcp.CmdHomeAxis, nil)
}

// ExposureTest starts an exposure screen test.
func (s *Session) ExposureTest() error {
	return s.SendCommand(sdcp.CmdExposureTest, nil)
}

// DeviceSelfTest runs the device component self-test.
func (s *Session) DeviceSelfTest() error {
	return s.SendCommand(sdcp.CmdDeviceSelfTest, nil)
}

// ToggleVideo negotiates the video stream. Enabling waits for the
// device's response frame to carry the stream URL; disabling clears
// the URL locally without waiting for an acknowledgement.
func (s *Session) ToggleVideo(enable bool) error {
	flag := 0
	if enable {
		flag = 1
	}
	if !enable {
		s.mu.Lock()
		s.videoURL = ""
		s.mu.Unlock()
	}
	return s.SendCommand(sdcp.CmdVideoStream, map[string]any{"Enable": flag})
}

// taskPayload carries the current task id, as pause/resume/stop
// commands require.
func (s *Session) taskPayload() map[string]any {
	taskID := ""
	s.mu.Lock()
	if s.status != nil && s.status.PrintInfo != nil {
		taskID = s.status.PrintInfo.TaskID
	}
	s.mu.Unlock()
	return map[string]any{"TaskID": taskID}
}

// Disconnect tears the session down: heartbeat cancelled, transport
// closed, video URL cleared. The registry's cached status is left
// intact for a later reconnect.
func (s *Session) Disconnect() {
	s.close(nil)
}

func (s *Session) close(cause error) {
	s.teardown.Do(func() {
		close(s.stopCh)
		s.transport.Close()

		s.mu.Lock()
		s.connected = false
		s.videoURL = ""
		s.mu.Unlock()

		if cause != nil {
			s.reportError(cause)
		}
	})
}

func (s *Session) reportError(err error) {
	if s.onError != nil {
		s.onError(s.device.ID, err)
	} else {
		log.Printf("Session %s: %v", s.device.ID, err)
	}
}

// seedFromCache makes the last known status visible before the first
// live frame arrives.
func (s *Session) seedFromCache() {
	if cached, ok := s.registry.LastKnownStatus(s.device.ID); ok {
		s.mu.Lock()
		s.status = &cached
		s.mu.Unlock()
	}
}

func (s *Session) readLoop() {
	defer close(s.done)

	for {
		data, err := s.transport.Receive()
		if err != nil {
			select {
			case <-s.stopCh:
				// Deliberate disconnect.
			default:
				s.close(fmt.Errorf("session %s: %w", s.device.ID, err))
			}
			return
		}

		msg, err := sdcp.ParseMessage(data)
		if err != nil {
			s.reportError(err)
			continue
		}

		switch msg.Kind {
		case sdcp.KindStatus:
			s.applyStatus(*msg.Status)
		case sdcp.KindResponse:
			s.handleResponse(msg.Response)
		}
	}
}

func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hb, err := sdcp.NewHeartbeat(s.device.ID).Encode()
			if err == nil {
				err = s.transport.Send(hb)
			}
			if err != nil {
				// A failed heartbeat is a connectivity warning, not a
				// teardown; only a transport close ends the session.
				s.reportError(fmt.Errorf("heartbeat to %s: %w", s.device.ID, err))
			}
		case <-s.stopCh:
			return
		}
	}
}

// applyStatus replaces the authoritative snapshot with an inbound
// frame. The single field-level merge in the system: a resume frame
// (cached sub-status paused, incoming exposuring) reports stale
// progress on some firmware, so the cached layer/tick/height fields
// are retained and only the sub-status, temperatures and previous
// status come from the new frame.
func (s *Session) applyStatus(next sdcp.PrintStatus) {
	s.mu.Lock()

	if s.status != nil && s.status.PrintInfo != nil && next.PrintInfo != nil &&
		s.status.PrintInfo.Status == sdcp.SubPaused &&
		next.PrintInfo.Status == sdcp.SubExposuring {
		prev := s.status.PrintInfo
		info := *next.PrintInfo
		info.CurrentLayer = prev.CurrentLayer
		info.TotalLayer = prev.TotalLayer
		info.CurrentTicks = prev.CurrentTicks
		info.TotalTicks = prev.TotalTicks
		info.ZHeight = prev.ZHeight
		next.PrintInfo = &info
	}
	next.Normalize()

	s.status = &next
	s.mu.Unlock()

	s.registry.CacheStatus(s.device.ID, next)
	s.bus.Publish(StatusUpdate{DeviceID: s.device.ID, Status: next})
}

func (s *Session) handleResponse(resp *sdcp.Response) {
	switch resp.Cmd {
	case sdcp.CmdVideoStream:
		if err := sdcp.VideoAckError(resp.Data.Ack); err != nil {
			s.reportError(err)
			return
		}
		if resp.Data.VideoURL != "" {
			s.mu.Lock()
			s.videoURL = resp.Data.VideoURL
			s.mu.Unlock()
			log.Printf("Session %s: video stream at %s", s.device.ID, resp.Data.VideoURL)
		}
	}
}

// Manager owns at most one session per device id.
type Manager struct {
	registry  *Registry
	bus       *Bus
	dial      Dialer
	onError   ErrorHandler
	heartbeat time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager using the production websocket
// dialer.
func NewManager(registry *Registry, bus *Bus) *Manager {
	return &Manager{
		registry:  registry,
		bus:       bus,
		dial:      DialWebSocket,
		heartbeat: heartbeatInterval,
		sessions:  make(map[string]*Session),
	}
}

// SetHeartbeatInterval overrides the keepalive cadence for sessions
// created afterwards. Non-positive intervals are ignored.
func (m *Manager) SetHeartbeatInterval(d time.Duration) {
	if d > 0 {
		m.heartbeat = d
	}
}

// SetDialer replaces the transport dialer. A simulated device is just
// another Transport behind a different dialer.
func (m *Manager) SetDialer(d Dialer) {
	m.dial = d
}

// SetErrorHandler installs the asynchronous error callback for all
// sessions created afterwards.
func (m *Manager) SetErrorHandler(h ErrorHandler) {
	m.onError = h
}

// Connect opens a session to the device. An existing session for the
// same id is torn down first. On success the visible status is seeded
// from the registry's last known snapshot until the first live frame.
func (m *Manager) Connect(device sdcp.PrinterDevice) (*Session, error) {
	m.takeDown(device.ID)

	transport, err := m.dial(device)
	if err != nil {
		return nil, err
	}

	s := &Session{
		device:    device,
		transport: transport,
		registry:  m.registry,
		bus:       m.bus,
		onError:   m.onError,
		heartbeat: m.heartbeat,
		connected: true,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.seedFromCache()

	// A concurrent Connect for the same id may have dialed in parallel;
	// the map holds one session per device, so whoever inserts later
	// keeps the slot and tears the other down.
	m.mu.Lock()
	old, raced := m.sessions[device.ID]
	m.sessions[device.ID] = s
	m.mu.Unlock()
	if raced {
		old.Disconnect()
		<-old.done
	}

	go s.readLoop()
	go s.heartbeatLoop()

	log.Printf("Connected to %s at %s", device.ID, device.IP)
	return s, nil
}

// takeDown removes and disconnects the session for a device id, if one
// exists, waiting until its goroutines have exited.
func (m *Manager) takeDown(deviceID string) {
	m.mu.Lock()
	s, ok := m.sessions[deviceID]
	delete(m.sessions, deviceID)
	m.mu.Unlock()

	if ok {
		s.Disconnect()
		<-s.done
	}
}

// Session returns the session for a device id, if one exists.
func (m *Manager) Session(deviceID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[deviceID]
	return s, ok
}

// Disconnect tears down the session for a device id.
func (m *Manager) Disconnect(deviceID string) {
	m.takeDown(deviceID)
}

// Shutdown disconnects every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Disconnect()
		<-s.done
	}
}
