package tftp_test

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	tftp "github.com/philipp-kempgen/puavo-tftp"
	"github.com/rs/zerolog"
)

type recordingPacketConn struct {
	writes int
	data   []byte
	peer   net.Addr
}

func (r *recordingPacketConn) ReadFrom(p []byte) (n int, addr net.Addr, err error) {
	return 0, nil, errors.New("not implemented")
}

func (r *recordingPacketConn) WriteTo(p []byte, addr net.Addr) (n int, err error) {
	r.writes++
	r.data = append([]byte(nil), p...)
	r.peer = addr
	return len(p), nil
}

func (r *recordingPacketConn) Close() error { return nil }

func (r *recordingPacketConn) LocalAddr() net.Addr { return &net.UDPAddr{IP: net.IPv4zero, Port: 0} }

func (r *recordingPacketConn) SetDeadline(t time.Time) error      { return nil }
func (r *recordingPacketConn) SetReadDeadline(t time.Time) error  { return nil }
func (r *recordingPacketConn) SetWriteDeadline(t time.Time) error { return nil }

func newNetbootServer(t *testing.T, nb *tftp.NetbootOptions) *tftp.Server {
	t.Helper()

	srv, err := tftp.NewServer(tftp.Options{
		Source:  mapSource{},
		Netboot: nb,
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return srv
}

func newPool(t *testing.T, start, end string) *tftp.IPPool {
	t.Helper()

	pool, err := tftp.NewIPPool(net.ParseIP(start), net.ParseIP(end))
	if err != nil {
		t.Fatalf("NewIPPool failed: %v", err)
	}
	return pool
}

func TestNetbootAllowlistBlocksUnknownMAC(t *testing.T) {
	srv := newNetbootServer(t, &tftp.NetbootOptions{
		ServerIP:    net.IPv4(192, 0, 2, 1),
		BootFile:    "pxelinux.0",
		Leases:      newPool(t, "192.0.2.100", "192.0.2.110"),
		AllowedMACs: []string{"aa:bb:cc:dd:ee:ff"},
	})

	hw := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	req, err := dhcpv4.NewDiscovery(hw)
	if err != nil {
		t.Fatalf("NewDiscovery failed: %v", err)
	}

	pc := &recordingPacketConn{}
	srv.NetbootHandler(pc, &net.UDPAddr{IP: net.IPv4zero, Port: 68}, req)

	if pc.writes != 0 {
		t.Fatalf("expected no response for disallowed MAC, got %d writes", pc.writes)
	}
}

func TestNetbootOfferCarriesBootParameters(t *testing.T) {
	srv := newNetbootServer(t, &tftp.NetbootOptions{
		ServerIP: net.IPv4(192, 0, 2, 1),
		BootFile: "pxelinux.0",
		Leases:   newPool(t, "192.0.2.100", "192.0.2.110"),
	})

	hw := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	req, err := dhcpv4.NewDiscovery(hw)
	if err != nil {
		t.Fatalf("NewDiscovery failed: %v", err)
	}

	pc := &recordingPacketConn{}
	srv.NetbootHandler(pc, &net.UDPAddr{IP: net.IPv4zero, Port: 68}, req)

	if pc.writes != 1 {
		t.Fatalf("expected one response, got %d", pc.writes)
	}

	resp, err := dhcpv4.FromBytes(pc.data)
	if err != nil {
		t.Fatalf("undecodable DHCP response: %v", err)
	}
	if resp.MessageType() != dhcpv4.MessageTypeOffer {
		t.Fatalf("expected offer, got %v", resp.MessageType())
	}
	if !resp.YourIPAddr.Equal(net.IPv4(192, 0, 2, 100)) {
		t.Fatalf("expected first pool address, got %v", resp.YourIPAddr)
	}
	if got := resp.BootFileNameOption(); got != "pxelinux.0" {
		t.Fatalf("expected boot file pxelinux.0, got %q", got)
	}
}

func TestIPPoolIsStickyPerMAC(t *testing.T) {
	pool := newPool(t, "10.0.0.10", "10.0.0.11")

	macA := net.HardwareAddr{0, 1, 2, 3, 4, 5}
	macB := net.HardwareAddr{0, 1, 2, 3, 4, 6}

	first, err := pool.Allocate(macA)
	if err != nil {
		t.Fatalf("allocate A: %v", err)
	}
	second, err := pool.Allocate(macB)
	if err != nil {
		t.Fatalf("allocate B: %v", err)
	}
	if first.IP.Equal(second.IP) {
		t.Fatal("distinct clients share one address")
	}

	again, err := pool.Allocate(macA)
	if err != nil {
		t.Fatalf("re-allocate A: %v", err)
	}
	if !again.IP.Equal(first.IP) {
		t.Fatalf("client lost its address: had %v, got %v", first.IP, again.IP)
	}

	if _, err := pool.Allocate(net.HardwareAddr{9, 9, 9, 9, 9, 9}); err == nil {
		t.Fatal("expected pool exhaustion")
	}
}
