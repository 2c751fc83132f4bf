package tftp

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
)

// NetbootOptions configures the optional DHCP responder that points PXE
// clients at this TFTP server. Transfers themselves never touch it.
type NetbootOptions struct {
	// ListenAddr is the DHCP listen address, typically ":67".
	ListenAddr string

	// ServerIP is advertised as the DHCP server identifier and, unless
	// NextServer is set, as the TFTP server to boot from.
	ServerIP net.IP

	// NextServer overrides the advertised TFTP server address.
	NextServer net.IP

	// BootFile is the filename offered to clients.
	BootFile string

	// Leases assigns client addresses. Required.
	Leases LeaseAllocator

	SubnetMask net.IPMask
	Router     net.IP
	DNSServers []net.IP
	DomainName string
	LeaseTime  time.Duration

	// AllowedMACs restricts which clients are answered; empty allows all.
	AllowedMACs []string
}

// Lease is the address a client is offered together with its boot
// parameters, which come from NetbootOptions.
type Lease struct {
	IP net.IP
}

// LeaseAllocator decides which address a client gets. Returning a nil lease
// silently ignores the client.
type LeaseAllocator interface {
	Allocate(mac net.HardwareAddr) (*Lease, error)
}

// IPPool hands out addresses from a fixed contiguous IPv4 range, sticky per
// MAC so a rebooting machine keeps its address.
type IPPool struct {
	mu    sync.Mutex
	next  uint32
	last  uint32
	byMAC map[string]net.IP
}

// NewIPPool allocates from start..end inclusive.
func NewIPPool(start, end net.IP) (*IPPool, error) {
	s, e := start.To4(), end.To4()
	if s == nil || e == nil {
		return nil, errors.New("pool bounds must be IPv4 addresses")
	}
	first, last := ipToU32(s), ipToU32(e)
	if first > last {
		return nil, errors.New("pool start is after pool end")
	}
	return &IPPool{next: first, last: last, byMAC: make(map[string]net.IP)}, nil
}

func (p *IPPool) Allocate(mac net.HardwareAddr) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := mac.String()
	if ip, ok := p.byMAC[key]; ok {
		return &Lease{IP: ip}, nil
	}
	if p.next > p.last {
		return nil, errors.New("address pool exhausted")
	}

	ip := u32ToIP(p.next)
	p.next++
	p.byMAC[key] = ip
	return &Lease{IP: ip}, nil
}

func ipToU32(ip net.IP) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func u32ToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func (s *Server) startNetboot(ctx context.Context) error {
	nb := s.options.Netboot
	if nb == nil {
		return nil
	}
	if nb.Leases == nil {
		return errors.New("netboot enabled without a lease allocator")
	}

	addr, err := net.ResolveUDPAddr("udp4", nb.ListenAddr)
	if err != nil {
		return err
	}

	server, err := server4.NewServer("", addr, s.netbootHandler)
	if err != nil {
		return err
	}

	s.dhcpServer = server
	s.log.Info().Str("addr", nb.ListenAddr).Str("bootfile", nb.BootFile).Msg("netboot responder bound")
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		_ = server.Serve()
	}()

	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	return nil
}

func (s *Server) netbootHandler(conn net.PacketConn, peer net.Addr, m *dhcpv4.DHCPv4) {
	nb := s.options.Netboot

	if !macAllowed(nb.AllowedMACs, m.ClientHWAddr) {
		s.log.Debug().Str("mac", m.ClientHWAddr.String()).Msg("netboot client not in allowlist")
		return
	}

	msgType := dhcpv4.MessageTypeOffer
	switch m.MessageType() {
	case dhcpv4.MessageTypeDiscover:
	case dhcpv4.MessageTypeRequest:
		msgType = dhcpv4.MessageTypeAck
	default:
		return
	}

	lease, err := nb.Leases.Allocate(m.ClientHWAddr)
	if err != nil || lease == nil {
		if err != nil {
			s.log.Warn().Err(err).Str("mac", m.ClientHWAddr.String()).Msg("lease allocation failed")
		}
		return
	}

	next := nb.NextServer
	if next == nil {
		next = nb.ServerIP
	}

	modifiers := []dhcpv4.Modifier{
		dhcpv4.WithMessageType(msgType),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(nb.ServerIP)),
		dhcpv4.WithYourIP(lease.IP),
	}

	if nb.SubnetMask != nil {
		modifiers = append(modifiers, dhcpv4.WithNetmask(nb.SubnetMask))
	}
	if nb.Router != nil {
		modifiers = append(modifiers, dhcpv4.WithRouter(nb.Router))
	}
	if len(nb.DNSServers) > 0 {
		modifiers = append(modifiers, dhcpv4.WithDNS(nb.DNSServers...))
	}
	if nb.DomainName != "" {
		modifiers = append(modifiers, dhcpv4.WithOption(dhcpv4.OptDomainName(nb.DomainName)))
	}
	if nb.LeaseTime > 0 {
		modifiers = append(modifiers, dhcpv4.WithOption(dhcpv4.OptIPAddressLeaseTime(nb.LeaseTime)))
	}
	if next != nil {
		modifiers = append(modifiers, dhcpv4.WithOption(dhcpv4.OptTFTPServerName(next.String())))
	}
	if nb.BootFile != "" {
		modifiers = append(modifiers, dhcpv4.WithOption(dhcpv4.OptBootFileName(nb.BootFile)))
	}

	resp, err := dhcpv4.NewReplyFromRequest(m, modifiers...)
	if err != nil {
		s.log.Warn().Err(err).Msg("building dhcp reply failed")
		return
	}

	s.log.Info().
		Str("mac", m.ClientHWAddr.String()).
		Stringer("ip", lease.IP).
		Stringer("type", msgType).
		Msg("netboot reply")

	if _, err := conn.WriteTo(resp.ToBytes(), peer); err != nil {
		s.log.Warn().Err(err).Msg("dhcp write failed")
	}
}

// NetbootHandler exposes the DHCP handler for testing or embedding.
func (s *Server) NetbootHandler(conn net.PacketConn, peer net.Addr, m *dhcpv4.DHCPv4) {
	s.netbootHandler(conn, peer, m)
}

func macAllowed(allowed []string, hw net.HardwareAddr) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, m := range allowed {
		parsed, err := net.ParseMAC(strings.ReplaceAll(m, "-", ":"))
		if err != nil {
			continue
		}
		if strings.EqualFold(parsed.String(), hw.String()) {
			return true
		}
	}
	return false
}
