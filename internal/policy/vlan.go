package policy

import "network-access-backend/config"

// VLANPlan maps identity roles to wired VLANs.
type VLANPlan struct {
	roles        map[string]int
	guestRole    string
	restricted   int
	unregistered int
}

// NewVLANPlan builds the plan from configuration. Config validation has
// already guaranteed every VLAN here has a subnet.
func NewVLANPlan(cfg config.VLANConfig) *VLANPlan {
	roles := make(map[string]int, len(cfg.Roles))
	for role, vlan := range cfg.Roles {
		roles[role] = vlan
	}
	return &VLANPlan{
		roles:        roles,
		guestRole:    cfg.GuestRole,
		restricted:   cfg.Restricted,
		unregistered: cfg.Unregistered,
	}
}

// TargetVLAN returns the VLAN for role, falling back to the guest VLAN.
func (p *VLANPlan) TargetVLAN(role string) int {
	if vlan, ok := p.roles[role]; ok {
		return vlan
	}
	return p.roles[p.guestRole]
}

// KnownRole reports whether role has its own mapping.
func (p *VLANPlan) KnownRole(role string) bool {
	_, ok := p.roles[role]
	return ok
}

func (p *VLANPlan) Restricted() int   { return p.restricted }
func (p *VLANPlan) Unregistered() int { return p.unregistered }
