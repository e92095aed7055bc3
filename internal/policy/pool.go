// Package policy decides what access a device should have. Everything here
// is a pure function of persisted state and the clock; both the request path
// and the reconciler call into it.
package policy

import (
	"time"

	"network-access-backend/internal/kea"
	"network-access-backend/internal/model"
	"network-access-backend/internal/netmap"
)

// Pool is the DHCP address range a WiFi device should draw from.
type Pool string

const (
	PoolRegistered        Pool = "registered"
	PoolNewlyUnregistered Pool = "newly_unregistered"
	PoolOldUnregistered   Pool = "old_unregistered"
	PoolNone              Pool = "none" // wired: no DHCP pool, access is a VLAN
)

// Devices first seen less than this long ago get the short-lease pool.
const newlyUnregisteredWindow = 30 * time.Minute

// IntendedPool maps persisted device state to the pool it should occupy.
func IntendedPool(status model.RegistrationStatus, connectionType model.ConnectionType, firstSeen, now time.Time) Pool {
	if connectionType == model.ConnectionWired {
		return PoolNone
	}
	if status == model.StatusActive {
		return PoolRegistered
	}
	if now.Sub(firstSeen) < newlyUnregisteredWindow {
		return PoolNewlyUnregistered
	}
	return PoolOldUnregistered
}

// EffectiveStatus is the status policy should act on. An active device whose
// owner is outside the validity window is treated as restricted: the
// identity is inert regardless of device state.
func EffectiveStatus(d *model.Device, now time.Time) model.RegistrationStatus {
	if d.RegistrationStatus == model.StatusActive && d.Owner != nil && !d.Owner.Active(now) {
		return model.StatusRestricted
	}
	return d.RegistrationStatus
}

// DevicePool is IntendedPool applied to a loaded device.
func DevicePool(d *model.Device, now time.Time) Pool {
	return IntendedPool(EffectiveStatus(d, now), d.ConnectionType, d.FirstSeen, now)
}

// ClientClass is the reservation tag Kea uses to pick the option set.
func (p Pool) ClientClass() string {
	switch p {
	case PoolRegistered:
		return kea.ClassRegistered
	case PoolNewlyUnregistered:
		return kea.ClassNewlyUnregistered
	case PoolOldUnregistered:
		return kea.ClassOldUnregistered
	}
	return ""
}

// PoolFromClasses derives the live pool from a reservation's client classes.
// An untagged reservation maps to PoolNone.
func PoolFromClasses(classes []string) Pool {
	for _, c := range classes {
		switch c {
		case kea.ClassRegistered:
			return PoolRegistered
		case kea.ClassNewlyUnregistered:
			return PoolNewlyUnregistered
		case kea.ClassOldUnregistered:
			return PoolOldUnregistered
		}
	}
	return PoolNone
}

// Resolvers returns the DNS servers a reservation in pool p should carry:
// public resolvers once registered, the portal's own address otherwise.
func Resolvers(p Pool, subnet netmap.Subnet, publicDNS []string) []string {
	if p == PoolRegistered {
		return publicDNS
	}
	if !subnet.PortalDNS.IsValid() {
		return nil
	}
	return []string{subnet.PortalDNS.String()}
}

// Reservation builds the full reservation for mac in pool p.
func Reservation(mac string, subnet netmap.Subnet, p Pool, hostname string, publicDNS []string) kea.Reservation {
	return kea.Reservation{
		HWAddress:     mac,
		SubnetID:      subnet.ID,
		Hostname:      hostname,
		ClientClasses: []string{p.ClientClass()},
		DNSServers:    Resolvers(p, subnet, publicDNS),
		UserContext:   map[string]any{"registered": p == PoolRegistered},
	}
}
