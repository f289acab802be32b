package sdcp

import (
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResponder answers discovery probes on a loopback socket with the
// given advertisements.
func fakeResponder(t *testing.T, replies [][]byte) string {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 64)
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if string(buf[:n]) != DiscoveryProbe {
			return
		}
		for _, r := range replies {
			conn.WriteToUDP(r, addr)
		}
	}()

	return conn.LocalAddr().String()
}

func advertisementFor(t *testing.T, id, ip string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"Id": "adv",
		"Data": map[string]any{
			"MainboardID": id,
			"MainboardIP": ip,
			"Name":        "printer " + id,
		},
	})
	require.NoError(t, err)
	return b
}

func TestDiscoveryExcludesAndDeduplicates(t *testing.T) {
	addr := fakeResponder(t, [][]byte{
		advertisementFor(t, "DEV_A", "192.168.1.10"),
		advertisementFor(t, "DEV_B", "192.168.1.11"),
		advertisementFor(t, "DEV_B", "192.168.1.11"), // duplicate
		[]byte("not even json"),                      // dropped silently
	})

	d := &Discoverer{Timeout: 500 * time.Millisecond, Targets: []string{addr}}
	ch, err := d.Start(map[string]bool{"DEV_A": true})
	require.NoError(t, err)

	var found []PrinterDevice
	for dev := range ch {
		found = append(found, dev)
	}

	require.Len(t, found, 1)
	assert.Equal(t, "DEV_B", found[0].ID)
}

func TestDiscoveryEmptyWindowIsNotAnError(t *testing.T) {
	addr := fakeResponder(t, nil)

	devices, err := func() ([]PrinterDevice, error) {
		d := &Discoverer{Timeout: 200 * time.Millisecond, Targets: []string{addr}}
		ch, err := d.Start(nil)
		if err != nil {
			return nil, err
		}
		var out []PrinterDevice
		for dev := range ch {
			out = append(out, dev)
		}
		return out, nil
	}()

	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestDiscoverySingleActiveWindow(t *testing.T) {
	addr := fakeResponder(t, nil)

	d := &Discoverer{Timeout: time.Second, Targets: []string{addr}}
	ch, err := d.Start(nil)
	require.NoError(t, err)

	_, err = d.Start(nil)
	assert.ErrorIs(t, err, ErrDiscoveryActive)

	d.Stop()
	for range ch {
	}

	// After the window closes a new one may start.
	ch2, err := d.Start(nil)
	require.NoError(t, err)
	d.Stop()
	for range ch2 {
	}
}

func TestDiscoveryAbandonedConsumerReleasesWindow(t *testing.T) {
	// More advertisements than the result channel buffers, and a caller
	// that never reads: the window must still end on its own and free
	// the discoverer for the next Start.
	var replies [][]byte
	for i := 0; i < 12; i++ {
		replies = append(replies, advertisementFor(t, fmt.Sprintf("DEV_%02d", i), "192.168.1.10"))
	}
	addr := fakeResponder(t, replies)

	d := &Discoverer{Timeout: 300 * time.Millisecond, Targets: []string{addr}}
	_, err := d.Start(nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ch, err := d.Start(nil)
		if err != nil {
			return false
		}
		d.Stop()
		for range ch {
		}
		return true
	}, 3*time.Second, 50*time.Millisecond)
}

func TestDiscoveryStopIsIdempotent(t *testing.T) {
	addr := fakeResponder(t, nil)

	d := &Discoverer{Timeout: time.Second, Targets: []string{addr}}
	ch, err := d.Start(nil)
	require.NoError(t, err)

	d.Stop()
	d.Stop()
	for range ch {
	}
}

func TestDiscoveryBadTarget(t *testing.T) {
	d := &Discoverer{Timeout: time.Second, Targets: []string{"not a host:port at all:::"}}
	_, err := d.Start(nil)
	assert.Error(t, err)
}
