package sdcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DiscoveryTimeout is the length of one discovery window.
const DiscoveryTimeout = 5 * time.Second

// ErrDiscoveryActive is returned when a discovery window is already
// running; the new call is a no-op.
var ErrDiscoveryActive = errors.New("discovery already running")

// Discoverer finds SDCP printers on the local network via UDP
// broadcast. At most one discovery window is active at a time.
type Discoverer struct {
	mu     sync.Mutex
	active bool
	conn   *net.UDPConn
	stopCh chan struct{}
	stop   *sync.Once // per-window, so a stale Stop cannot touch a later window

	// Timeout bounds one discovery window. Zero means DiscoveryTimeout.
	Timeout time.Duration

	// Targets overrides the probe destinations (host:port). When empty
	// the probe goes to every interface broadcast address on the
	// discovery port.
	Targets []string
}

// NewDiscoverer creates a discoverer with the default window length.
func NewDiscoverer() *Discoverer {
	return &Discoverer{Timeout: DiscoveryTimeout}
}

// Start broadcasts a discovery probe and returns a channel of devices
// found during the window. Devices whose id is in exclude are never
// emitted, and each id is emitted at most once per window. The channel
// is closed when the window expires or Stop is called; finding zero
// devices is a valid outcome.
func (d *Discoverer) Start(exclude map[string]bool) (<-chan PrinterDevice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active {
		return nil, ErrDiscoveryActive
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DiscoveryTimeout
	}

	targets, err := d.resolveTargets()
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("discovery socket: %w", err)
	}
	deadline := time.Now().Add(timeout)
	conn.SetDeadline(deadline)

	for _, addr := range targets {
		if _, err := conn.WriteTo([]byte(DiscoveryProbe), addr); err != nil {
			log.Printf("Discovery probe to %s failed: %v", addr, err)
		}
	}

	stopCh := make(chan struct{})
	stop := new(sync.Once)
	d.active = true
	d.conn = conn
	d.stopCh = stopCh
	d.stop = stop

	out := make(chan PrinterDevice, 8)
	go d.receiveLoop(conn, stopCh, stop, deadline, exclude, out)
	return out, nil
}

// Stop ends the current discovery window early. Safe to call
// concurrently with window expiry; whichever happens last is a no-op.
func (d *Discoverer) Stop() {
	d.mu.Lock()
	conn := d.conn
	stopCh := d.stopCh
	stop := d.stop
	d.mu.Unlock()
	if conn != nil {
		stop.Do(func() {
			conn.Close()
			close(stopCh)
		})
	}
}

func (d *Discoverer) receiveLoop(conn *net.UDPConn, stopCh chan struct{}, stop *sync.Once, deadline time.Time, exclude map[string]bool, out chan<- PrinterDevice) {
	defer func() {
		stop.Do(func() {
			conn.Close()
			close(stopCh)
		})
		d.mu.Lock()
		d.active = false
		d.conn = nil
		d.stopCh = nil
		d.mu.Unlock()
		close(out)
	}()

	seen := map[string]bool{}
	buf := make([]byte, 8192)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Deadline expiry and Stop both surface here; either way
			// the window is over.
			return
		}

		dev, err := ParseAdvertisement(buf[:n])
		if err != nil {
			// Best-effort: anything on the network may answer a
			// broadcast. Drop what we cannot parse.
			log.Debugf("Discovery: dropping malformed advertisement: %v", err)
			continue
		}

		if seen[dev.ID] || exclude[dev.ID] {
			continue
		}
		seen[dev.ID] = true

		// Delivery is bounded by the window: a consumer that stops
		// draining must not pin this loop (and the active flag) open
		// past the deadline.
		select {
		case out <- *dev:
		case <-stopCh:
			return
		case <-time.After(time.Until(deadline)):
			return
		}
	}
}

func (d *Discoverer) resolveTargets() ([]*net.UDPAddr, error) {
	if len(d.Targets) > 0 {
		addrs := make([]*net.UDPAddr, 0, len(d.Targets))
		for _, t := range d.Targets {
			addr, err := net.ResolveUDPAddr("udp4", t)
			if err != nil {
				return nil, fmt.Errorf("resolving discovery target %q: %w", t, err)
			}
			addrs = append(addrs, addr)
		}
		return addrs, nil
	}

	bcasts, err := broadcastAddresses()
	if err != nil {
		return nil, err
	}
	addrs := make([]*net.UDPAddr, 0, len(bcasts))
	for _, b := range bcasts {
		addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", b, DiscoveryPort))
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, errors.New("no broadcast addresses available")
	}
	return addrs, nil
}

// Discover runs one full discovery window and collects the results.
func Discover(timeout time.Duration, exclude map[string]bool) ([]PrinterDevice, error) {
	d := &Discoverer{Timeout: timeout}
	ch, err := d.Start(exclude)
	if err != nil {
		return nil, err
	}

	var devices []PrinterDevice
	for dev := range ch {
		devices = append(devices, dev)
	}
	return devices, nil
}

// broadcastAddresses returns the IPv4 broadcast address of every
// non-loopback interface.
func broadcastAddresses() ([]string, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	addrMap := map[string]bool{}
	for _, iface := range ifs {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if n, ok := addr.(*net.IPNet); ok && !n.IP.IsLoopback() {
				if v4addr := n.IP.To4(); v4addr != nil {
					baddr := make(net.IP, len(v4addr))
					binary.BigEndian.PutUint32(baddr, binary.BigEndian.Uint32(v4addr)|^binary.BigEndian.Uint32(n.IP.DefaultMask()))
					if s := baddr.String(); !addrMap[s] {
						addrMap[s] = true
					}
				}
			}
		}
	}

	addrs := make([]string, 0, len(addrMap))
	for addr := range addrMap {
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
