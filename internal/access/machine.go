// Package access applies device status transitions and enacts them on the
// network through the RADIUS and DHCP clients.
package access

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"network-access-backend/config"
	"network-access-backend/internal/apperr"
	"network-access-backend/internal/model"
	"network-access-backend/internal/netmap"
	"network-access-backend/internal/policy"
	"network-access-backend/internal/radius"
	"network-access-backend/internal/store"
)

// VLANChanger moves wired sessions between VLANs.
type VLANChanger interface {
	ChangeVLAN(ctx context.Context, mac string, vlan int, opts ...radius.Option) error
	Disconnect(ctx context.Context, mac string, opts ...radius.Option) error
}

// ReservationManager places WiFi devices in DHCP pools.
type ReservationManager interface {
	Register(ctx context.Context, mac string, subnetID int, hostname string) error
	Unregister(ctx context.Context, mac string, subnetID int) error
	ForceRenew(ctx context.Context, mac string, subnetID int) error
}

// Decision is what a caller learns from an applied event.
type Decision struct {
	Device            *model.Device            `json:"device,omitempty"`
	NewStatus         model.RegistrationStatus `json:"new_status"`
	TargetVLAN        int                      `json:"target_vlan"`
	Pool              policy.Pool              `json:"pool"`
	NetworkUpdateOK   bool                     `json:"network_update_ok"`
	VerificationToken string                   `json:"verification_token,omitempty"`
	UnregisterToken   string                   `json:"unregister_token,omitempty"`
	PendingRequestID  string                   `json:"pending_request_id,omitempty"`
}

// Machine is the access state machine. Persisted state always commits
// first; network dispatch afterwards is best-effort.
type Machine struct {
	store   store.Store
	coa     VLANChanger
	dhcp    ReservationManager
	subnets *netmap.Table
	vlans   *policy.VLANPlan
	cfg     config.AccessConfig
	logger  *zap.Logger

	locks keyedMutex
	now   func() time.Time
	token func() (string, error)
}

// New creates a state machine.
func New(s store.Store, coa VLANChanger, dhcp ReservationManager, subnets *netmap.Table, vlans *policy.VLANPlan, cfg config.AccessConfig, logger *zap.Logger) *Machine {
	return &Machine{
		store:   s,
		coa:     coa,
		dhcp:    dhcp,
		subnets: subnets,
		vlans:   vlans,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		token:   newToken,
	}
}

// newToken returns 32 random bytes, URL-safe encoded.
func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// keyedMutex serialises work per MAC address.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" || !strings.Contains(email, "@") {
		return "", apperr.Validationf("invalid email %q", raw)
	}
	return email, nil
}

// decision snapshots the device after a transition.
func (m *Machine) decision(d *model.Device, networkOK bool) *Decision {
	return &Decision{
		Device:          d,
		NewStatus:       d.RegistrationStatus,
		TargetVLAN:      d.CurrentVLAN,
		Pool:            policy.DevicePool(d, m.now()),
		NetworkUpdateOK: networkOK,
	}
}

// usesCoA reports whether access for d is enacted through RADIUS. Devices
// whose connection type could not be inferred are treated like wired ports.
func usesCoA(d *model.Device) bool {
	return d.ConnectionType != model.ConnectionWiFi
}

func userName(d *model.Device) []radius.Option {
	if d.Owner == nil {
		return nil
	}
	return []radius.Option{radius.WithUserName(d.Owner.Email)}
}

// targetVLAN is the VLAN an activated device should sit on: the role VLAN
// for wired ports, the registration subnet for WiFi.
func (m *Machine) targetVLAN(d *model.Device, identity *model.Identity) (int, error) {
	vlan := d.CurrentVLAN
	if usesCoA(d) {
		vlan = m.vlans.TargetVLAN(identity.Role)
	}
	if _, err := m.subnets.MustHave(vlan); err != nil {
		return 0, err
	}
	return vlan, nil
}
