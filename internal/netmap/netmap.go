// Package netmap is the subnet table: which subnet (== VLAN) an address
// belongs to, whether that subnet is WiFi or wired, and the addressing
// facts the DHCP side needs (portal resolver, registered pool range).
package netmap

import (
	"fmt"
	"net/netip"
	"sort"

	"network-access-backend/config"
	"network-access-backend/internal/apperr"
	"network-access-backend/internal/model"
)

// Default registered pool offsets inside a subnet (.5-.127 in a /24).
const (
	defaultRegisteredStart = 5
	defaultRegisteredEnd   = 127
)

// Subnet is one resolved row of the table.
type Subnet struct {
	ID             int
	Prefix         netip.Prefix
	ConnectionType model.ConnectionType
	SSID           string
	PortalDNS      netip.Addr
	RegisteredFrom netip.Addr
	RegisteredTo   netip.Addr
}

// InRegisteredPool reports whether ip lies inside the registered range.
func (s Subnet) InRegisteredPool(ip netip.Addr) bool {
	return s.Prefix.Contains(ip) && ip.Compare(s.RegisteredFrom) >= 0 && ip.Compare(s.RegisteredTo) <= 0
}

// Table resolves subnets by id or by contained address.
type Table struct {
	byID    map[int]Subnet
	ordered []Subnet // most specific prefix first
}

// New builds the table from configuration rows.
func New(rows []config.SubnetConfig) (*Table, error) {
	t := &Table{byID: make(map[int]Subnet, len(rows))}
	for _, row := range rows {
		s, err := resolve(row)
		if err != nil {
			return nil, fmt.Errorf("subnet %d: %w", row.ID, err)
		}
		if _, dup := t.byID[s.ID]; dup {
			return nil, fmt.Errorf("subnet %d: duplicate id", s.ID)
		}
		t.byID[s.ID] = s
		t.ordered = append(t.ordered, s)
	}
	sort.SliceStable(t.ordered, func(i, j int) bool {
		return t.ordered[i].Prefix.Bits() > t.ordered[j].Prefix.Bits()
	})
	return t, nil
}

func resolve(row config.SubnetConfig) (Subnet, error) {
	prefix, err := netip.ParsePrefix(row.CIDR)
	if err != nil {
		return Subnet{}, fmt.Errorf("invalid cidr %q: %w", row.CIDR, err)
	}
	prefix = prefix.Masked()
	if !prefix.Addr().Is4() {
		return Subnet{}, fmt.Errorf("only IPv4 subnets are supported, got %s", prefix)
	}

	ct := model.ConnectionWired
	if row.ConnectionType != "" {
		if ct, err = model.ParseConnectionType(row.ConnectionType); err != nil {
			return Subnet{}, err
		}
	}

	s := Subnet{ID: row.ID, Prefix: prefix, ConnectionType: ct, SSID: row.SSID}

	if row.PortalDNS != "" {
		if s.PortalDNS, err = netip.ParseAddr(row.PortalDNS); err != nil {
			return Subnet{}, fmt.Errorf("portal_dns: %w", err)
		}
	}

	s.RegisteredFrom = offset(prefix, defaultRegisteredStart)
	s.RegisteredTo = offset(prefix, defaultRegisteredEnd)
	if row.RegisteredPoolStart != "" {
		if s.RegisteredFrom, err = netip.ParseAddr(row.RegisteredPoolStart); err != nil {
			return Subnet{}, fmt.Errorf("registered_pool_start: %w", err)
		}
	}
	if row.RegisteredPoolEnd != "" {
		if s.RegisteredTo, err = netip.ParseAddr(row.RegisteredPoolEnd); err != nil {
			return Subnet{}, fmt.Errorf("registered_pool_end: %w", err)
		}
	}
	if !prefix.Contains(s.RegisteredFrom) || !prefix.Contains(s.RegisteredTo) || s.RegisteredFrom.Compare(s.RegisteredTo) > 0 {
		return Subnet{}, fmt.Errorf("registered pool %s-%s is not a range inside %s", s.RegisteredFrom, s.RegisteredTo, prefix)
	}
	return s, nil
}

func offset(prefix netip.Prefix, n uint32) netip.Addr {
	b := prefix.Addr().As4()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	v += n
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// Lookup returns the subnet with the given id.
func (t *Table) Lookup(id int) (Subnet, bool) {
	s, ok := t.byID[id]
	return s, ok
}

// MustHave returns the subnet for a VLAN or a validation error. A VLAN with
// no matching subnet is never assigned.
func (t *Table) MustHave(vlan int) (Subnet, error) {
	s, ok := t.byID[vlan]
	if !ok {
		return Subnet{}, apperr.Validationf("VLAN %d has no matching subnet", vlan)
	}
	return s, nil
}

// ForIP finds the most specific subnet containing the address.
func (t *Table) ForIP(raw string) (Subnet, bool) {
	ip, err := netip.ParseAddr(raw)
	if err != nil {
		return Subnet{}, false
	}
	ip = ip.Unmap()
	for _, s := range t.ordered {
		if s.Prefix.Contains(ip) {
			return s, true
		}
	}
	return Subnet{}, false
}
