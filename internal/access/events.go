package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"network-access-backend/internal/apperr"
	"network-access-backend/internal/model"
	"network-access-backend/internal/parse"
	"network-access-backend/internal/store"
)

// byToken resolves a token to a device and locks it. The lookup is repeated
// under the lock so a token consumed concurrently is not applied twice.
func (m *Machine) byToken(ctx context.Context, token string, find func(context.Context, string) (*model.Device, error)) (*model.Device, func(), error) {
	d, err := find(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	unlock := m.locks.lock(d.MACAddress)
	d, err = find(ctx, token)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return d, unlock, nil
}

// Verify consumes a verification token. An expired token restricts the
// device; a valid one activates it.
func (m *Machine) Verify(ctx context.Context, token string) (*Decision, error) {
	d, unlock, err := m.byToken(ctx, token, m.store.FindDeviceByVerificationToken)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := checkTransition(d, EventVerify); err != nil {
		return nil, err
	}

	now := m.now()
	if d.VerificationExpired(now) {
		d.ClearVerification()
		d.RegistrationStatus = model.StatusRestricted
		if usesCoA(d) {
			d.CurrentVLAN = m.vlans.Restricted()
		}
		if err := m.store.SaveDevice(ctx, d); err != nil {
			return nil, err
		}

		var ok bool
		if usesCoA(d) {
			ok = m.moveWired(ctx, d, d.CurrentVLAN)
		} else {
			ok = m.releaseWiFi(ctx, d, true)
		}
		m.logger.Info("Verification expired, device restricted", zap.String("mac", d.MACAddress), zap.Bool("network_update_ok", ok))
		return m.decision(d, ok), nil
	}

	if d.Owner == nil {
		return nil, apperr.Validationf("device %s has no identity to verify", d.MACAddress)
	}
	if !d.Owner.Active(now) {
		return nil, apperr.Validationf("identity %s is outside its validity window", d.Owner.Email)
	}

	vlan, err := m.targetVLAN(d, d.Owner)
	if err != nil {
		return nil, err
	}
	d.CurrentVLAN = vlan
	d.RegistrationStatus = model.StatusActive
	d.ClearVerification()
	if err := m.issueUnregisterToken(d); err != nil {
		return nil, err
	}
	if err := m.store.SaveDevice(ctx, d); err != nil {
		return nil, err
	}

	ok := m.activate(ctx, d)
	m.logger.Info("Device verified", zap.String("mac", d.MACAddress), zap.Int("vlan", vlan), zap.Bool("network_update_ok", ok))

	dec := m.decision(d, ok)
	if d.UnregisterToken != nil {
		dec.UnregisterToken = *d.UnregisterToken
	}
	return dec, nil
}

// Approval is an admin decision on a pending registration request.
type Approval struct {
	RequestID  string
	Role       string
	ValidFrom  *time.Time
	ValidUntil *time.Time
	Actor      string
	Notes      string
}

// Approve creates (or updates) the identity named in the request, links the
// device and activates it.
func (m *Machine) Approve(ctx context.Context, in Approval) (*Decision, error) {
	req, err := m.store.GetRequest(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	unlock := m.locks.lock(req.MACAddress)
	defer unlock()

	if req, err = m.store.GetRequest(ctx, in.RequestID); err != nil {
		return nil, err
	}
	if req.Status != model.RequestPending {
		return nil, fmt.Errorf("%w: request %s is already %s", apperr.ErrIllegalTransition, req.ID, req.Status)
	}

	now := m.now()
	role := strings.TrimSpace(in.Role)
	if role == "" {
		role = m.cfg.DefaultRole
	}

	identity, err := m.store.GetIdentityByEmail(ctx, req.Email)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		identity = m.newIdentity(req.Email, Registration{FirstName: req.FirstName, LastName: req.LastName, Phone: req.Phone}, role, now, in.Actor)
	case err != nil:
		return nil, err
	}
	identity.Role = role
	if in.ValidFrom != nil {
		identity.ValidFrom = *in.ValidFrom
	}
	if in.ValidUntil != nil {
		identity.ValidUntil = *in.ValidUntil
	}
	if in.Notes != "" {
		identity.Notes = in.Notes
	}
	if !identity.Active(now) {
		return nil, apperr.Validationf("approval window %s - %s does not include now",
			identity.ValidFrom.Format(time.DateOnly), identity.ValidUntil.Format(time.DateOnly))
	}

	d, err := m.store.GetDevice(ctx, req.MACAddress)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		d = m.newDevice(req.MACAddress, req.IPAddress, now)
	case err != nil:
		return nil, err
	}
	if err := checkTransition(d, EventApprove); err != nil {
		return nil, err
	}

	vlan, err := m.targetVLAN(d, identity)
	if err != nil {
		return nil, err
	}
	d.CurrentVLAN = vlan
	d.RegistrationStatus = model.StatusActive
	d.ClearVerification()
	if err := m.issueUnregisterToken(d); err != nil {
		return nil, err
	}

	req.Status = model.RequestApproved
	req.ProcessedAt = &now
	req.ProcessedBy = in.Actor
	if in.Notes != "" {
		req.Notes = in.Notes
	}

	if err := m.saveLinked(ctx, identity, d, func(tx store.Store) error {
		return tx.SaveRequest(ctx, req)
	}); err != nil {
		return nil, err
	}

	ok := m.activate(ctx, d)
	m.logger.Info("Registration request approved",
		zap.String("request_id", req.ID),
		zap.String("mac", d.MACAddress),
		zap.String("email", identity.Email),
		zap.String("role", role),
		zap.Bool("network_update_ok", ok))

	dec := m.decision(d, ok)
	if d.UnregisterToken != nil {
		dec.UnregisterToken = *d.UnregisterToken
	}
	return dec, nil
}

// Reject closes a pending request without touching the network.
func (m *Machine) Reject(ctx context.Context, requestID, actor, notes string) (*model.RegistrationRequest, error) {
	req, err := m.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	unlock := m.locks.lock(req.MACAddress)
	defer unlock()

	if req, err = m.store.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	if req.Status != model.RequestPending {
		return nil, fmt.Errorf("%w: request %s is already %s", apperr.ErrIllegalTransition, req.ID, req.Status)
	}

	now := m.now()
	req.Status = model.RequestRejected
	req.ProcessedAt = &now
	req.ProcessedBy = actor
	req.Notes = notes
	if err := m.store.SaveRequest(ctx, req); err != nil {
		return nil, err
	}
	m.logger.Info("Registration request rejected", zap.String("request_id", req.ID), zap.String("email", req.Email))
	return req, nil
}

// withDevice loads and locks the device behind mac and checks that event is
// allowed before calling fn.
func (m *Machine) withDevice(ctx context.Context, rawMAC string, event EventType, fn func(d *model.Device) (*Decision, error)) (*Decision, error) {
	mac, err := parse.NormalizeMAC(rawMAC)
	if err != nil {
		return nil, err
	}
	unlock := m.locks.lock(mac)
	defer unlock()

	d, err := m.store.GetDevice(ctx, mac)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(d, event); err != nil {
		return nil, err
	}
	return fn(d)
}

// Block cuts the device off from any status: wired sessions are
// disconnected and parked on the restricted VLAN, WiFi reservations are
// removed.
func (m *Machine) Block(ctx context.Context, mac string) (*Decision, error) {
	return m.withDevice(ctx, mac, EventBlock, func(d *model.Device) (*Decision, error) {
		d.RegistrationStatus = model.StatusBlocked
		d.ClearVerification()
		d.UnregisterToken = nil
		if usesCoA(d) {
			d.CurrentVLAN = m.vlans.Restricted()
		}
		if err := m.store.SaveDevice(ctx, d); err != nil {
			return nil, err
		}

		var ok bool
		if usesCoA(d) {
			ok = m.disconnectWired(ctx, d)
		} else {
			ok = m.releaseWiFi(ctx, d, true)
		}
		m.logger.Info("Device blocked", zap.String("mac", d.MACAddress), zap.Bool("network_update_ok", ok))
		return m.decision(d, ok), nil
	})
}

// Unblock reactivates a blocked device from its identity's role.
func (m *Machine) Unblock(ctx context.Context, mac string) (*Decision, error) {
	return m.withDevice(ctx, mac, EventUnblock, func(d *model.Device) (*Decision, error) {
		if d.Owner == nil {
			return nil, apperr.Validationf("device %s has no identity to restore access from", d.MACAddress)
		}
		if !d.Owner.Active(m.now()) {
			return nil, apperr.Validationf("identity %s is outside its validity window", d.Owner.Email)
		}

		vlan, err := m.targetVLAN(d, d.Owner)
		if err != nil {
			return nil, err
		}
		d.CurrentVLAN = vlan
		d.RegistrationStatus = model.StatusActive
		if err := m.issueUnregisterToken(d); err != nil {
			return nil, err
		}
		if err := m.store.SaveDevice(ctx, d); err != nil {
			return nil, err
		}

		ok := m.activate(ctx, d)
		m.logger.Info("Device unblocked", zap.String("mac", d.MACAddress), zap.Int("vlan", vlan), zap.Bool("network_update_ok", ok))

		dec := m.decision(d, ok)
		if d.UnregisterToken != nil {
			dec.UnregisterToken = *d.UnregisterToken
		}
		return dec, nil
	})
}

// Disconnect ends an active device's session: wired ports go to the
// unregistered VLAN, WiFi reservations are removed.
func (m *Machine) Disconnect(ctx context.Context, mac string) (*Decision, error) {
	return m.withDevice(ctx, mac, EventDisconnect, func(d *model.Device) (*Decision, error) {
		d.RegistrationStatus = model.StatusDisconnected
		d.UnregisterToken = nil
		if usesCoA(d) {
			d.CurrentVLAN = m.vlans.Unregistered()
		}
		if err := m.store.SaveDevice(ctx, d); err != nil {
			return nil, err
		}

		var ok bool
		if usesCoA(d) {
			ok = m.disconnectWired(ctx, d)
		} else {
			ok = m.releaseWiFi(ctx, d, true)
		}
		m.logger.Info("Device disconnected", zap.String("mac", d.MACAddress), zap.Bool("network_update_ok", ok))
		return m.decision(d, ok), nil
	})
}

// UnregisterByToken consumes a self-service unregister token: the device
// loses its identity link and its registered access.
func (m *Machine) UnregisterByToken(ctx context.Context, token string) (*Decision, error) {
	d, unlock, err := m.byToken(ctx, token, m.store.FindDeviceByUnregisterToken)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := checkTransition(d, EventUnregister); err != nil {
		return nil, err
	}

	d.RegistrationStatus = model.StatusUnregistered
	d.UnregisterToken = nil
	d.OwnerID = nil
	d.Owner = nil
	if usesCoA(d) {
		d.CurrentVLAN = m.vlans.Unregistered()
	}
	if err := m.store.SaveDevice(ctx, d); err != nil {
		return nil, err
	}

	var ok bool
	if usesCoA(d) {
		ok = m.moveWired(ctx, d, d.CurrentVLAN)
	} else {
		ok = m.releaseWiFi(ctx, d, true)
	}
	m.logger.Info("Device unregistered by token", zap.String("mac", d.MACAddress), zap.Bool("network_update_ok", ok))
	return m.decision(d, ok), nil
}

// RoleChange is the outcome of ChangeRole.
type RoleChange struct {
	Identity *model.Identity `json:"identity"`
	Devices  []*Decision     `json:"devices"`
}

// ChangeRole updates an identity's role and moves its active wired devices
// to the new role VLAN. WiFi devices keep their registration subnet.
func (m *Machine) ChangeRole(ctx context.Context, rawEmail, role string) (*RoleChange, error) {
	email, err := normalizeEmail(rawEmail)
	if err != nil {
		return nil, err
	}
	role = strings.TrimSpace(role)
	if role == "" {
		return nil, apperr.Validationf("role must not be empty")
	}
	vlan := m.vlans.TargetVLAN(role)
	if _, err := m.subnets.MustHave(vlan); err != nil {
		return nil, err
	}

	identity, err := m.store.GetIdentityByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	identity.Role = role
	if err := m.store.SaveIdentity(ctx, identity); err != nil {
		return nil, err
	}

	devices, err := m.store.ListDevicesByOwner(ctx, identity.ID)
	if err != nil {
		return nil, err
	}

	out := &RoleChange{Identity: identity, Devices: []*Decision{}}
	for _, listed := range devices {
		if listed.RegistrationStatus != model.StatusActive {
			continue
		}
		dec, err := m.applyRole(ctx, listed.MACAddress, identity, vlan)
		if err != nil {
			m.logger.Warn("Failed to apply role change to device", zap.String("mac", listed.MACAddress), zap.Error(err))
			continue
		}
		out.Devices = append(out.Devices, dec)
	}

	m.logger.Info("Identity role changed", zap.String("email", email), zap.String("role", role), zap.Int("devices", len(out.Devices)))
	return out, nil
}

func (m *Machine) applyRole(ctx context.Context, mac string, identity *model.Identity, vlan int) (*Decision, error) {
	unlock := m.locks.lock(mac)
	defer unlock()

	d, err := m.store.GetDevice(ctx, mac)
	if err != nil {
		return nil, err
	}
	d.Owner = identity
	if d.RegistrationStatus != model.StatusActive || !usesCoA(d) {
		return m.decision(d, true), nil
	}

	d.CurrentVLAN = vlan
	if err := m.store.SaveDevice(ctx, d); err != nil {
		return nil, err
	}
	return m.decision(d, m.moveWired(ctx, d, vlan)), nil
}

// DeleteDevice withdraws the device's access on the applicable network and
// removes its row. The network step is best-effort.
func (m *Machine) DeleteDevice(ctx context.Context, mac string) (*Decision, error) {
	return m.withDevice(ctx, mac, EventDelete, func(d *model.Device) (*Decision, error) {
		var ok bool
		if usesCoA(d) {
			ok = m.moveWired(ctx, d, m.vlans.Unregistered())
		} else {
			ok = m.releaseWiFi(ctx, d, false)
		}
		if err := m.store.DeleteDevice(ctx, d.MACAddress); err != nil {
			return nil, err
		}

		m.logger.Info("Device deleted", zap.String("mac", d.MACAddress), zap.Bool("network_update_ok", ok))
		d.RegistrationStatus = model.StatusUnregistered
		return m.decision(d, ok), nil
	})
}

// TouchLastSeen records that the device was just observed.
func (m *Machine) TouchLastSeen(ctx context.Context, rawMAC string) error {
	mac, err := parse.NormalizeMAC(rawMAC)
	if err != nil {
		return err
	}
	return m.store.TouchLastSeen(ctx, mac, m.now())
}
