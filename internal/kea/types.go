package kea

import "strings"

// Client classes attached to reservations. Kea's class expressions select
// the pool and option set from these.
const (
	ClassRegistered        = "REGISTERED"
	ClassNewlyUnregistered = "NEWLY_UNREGISTERED"
	ClassOldUnregistered   = "OLD_UNREGISTERED"
)

// Control-channel result codes.
const (
	ResultSuccess     = 0
	ResultError       = 1
	ResultUnsupported = 2
	ResultEmpty       = 3 // not found
)

const optionDNS = "domain-name-servers"

// OptionData is a DHCP option override on a reservation.
type OptionData struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

// Reservation is a host reservation as Kea stores it.
type Reservation struct {
	HWAddress     string         `json:"hw-address"`
	SubnetID      int            `json:"subnet-id"`
	IPAddress     string         `json:"ip-address,omitempty"`
	Hostname      string         `json:"hostname,omitempty"`
	ClientClasses []string       `json:"client-classes,omitempty"`
	OptionData    []OptionData   `json:"option-data,omitempty"`
	UserContext   map[string]any `json:"user-context,omitempty"`

	// DNSServers is folded into OptionData on the wire.
	DNSServers []string `json:"-"`
}

// HasClass reports whether the reservation carries class c.
func (r *Reservation) HasClass(c string) bool {
	for _, have := range r.ClientClasses {
		if have == c {
			return true
		}
	}
	return false
}

func (r Reservation) toWire() Reservation {
	out := r
	out.OptionData = nil
	for _, o := range r.OptionData {
		if o.Name != optionDNS {
			out.OptionData = append(out.OptionData, o)
		}
	}
	if len(r.DNSServers) > 0 {
		out.OptionData = append(out.OptionData, OptionData{Name: optionDNS, Data: strings.Join(r.DNSServers, ", ")})
	}
	return out
}

func (r *Reservation) fromWire() {
	r.DNSServers = nil
	for _, o := range r.OptionData {
		if o.Name != optionDNS {
			continue
		}
		for _, s := range strings.Split(o.Data, ",") {
			if s = strings.TrimSpace(s); s != "" {
				r.DNSServers = append(r.DNSServers, s)
			}
		}
	}
}

// Lease is an active DHCPv4 lease.
type Lease struct {
	IPAddress string `json:"ip-address"`
	HWAddress string `json:"hw-address"`
	SubnetID  int    `json:"subnet-id"`
	Hostname  string `json:"hostname,omitempty"`
	ValidLft  int64  `json:"valid-lft"`
	CLTT      int64  `json:"cltt"`
	State     int    `json:"state"`
}
