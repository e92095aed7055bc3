package access

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"network-access-backend/internal/apperr"
	"network-access-backend/internal/model"
	"network-access-backend/internal/parse"
	"network-access-backend/internal/store"
)

// Registration is a self-service registration attempt from the portal.
type Registration struct {
	MAC       string
	IPAddress string
	Email     string
	FirstName string
	LastName  string
	Phone     string
	Hostname  string
	UserAgent string
}

// newDevice creates the row for a first registration attempt. Connection
// type, SSID and VLAN come from the subnet the client address belongs to and
// never change afterwards.
func (m *Machine) newDevice(mac, ip string, now time.Time) *model.Device {
	d := &model.Device{
		MACAddress:         mac,
		RegistrationStatus: model.StatusUnregistered,
		ConnectionType:     model.ConnectionUnknown,
		CurrentVLAN:        m.vlans.Unregistered(),
		IPAddress:          ip,
		FirstSeen:          now,
	}
	if s, ok := m.subnets.ForIP(ip); ok {
		d.ConnectionType = s.ConnectionType
		d.CurrentVLAN = s.ID
		if s.ConnectionType == model.ConnectionWiFi {
			d.SSID = s.SSID
		}
	}
	return d
}

func (m *Machine) newIdentity(email string, in Registration, role string, from time.Time, createdBy string) *model.Identity {
	return &model.Identity{
		Email:      email,
		FirstName:  in.FirstName,
		LastName:   in.LastName,
		Phone:      in.Phone,
		Role:       role,
		ValidFrom:  from,
		ValidUntil: from.Add(time.Duration(m.cfg.IdentityValidityDays) * 24 * time.Hour),
		CreatedBy:  createdBy,
	}
}

func (m *Machine) autoApproves(vlan int) bool {
	return vlan != 0 && slices.Contains(m.cfg.AutoApproveVLANs, vlan)
}

// issueUnregisterToken gives WiFi devices a single-use self-service
// unregister token. Wired devices never carry one.
func (m *Machine) issueUnregisterToken(d *model.Device) error {
	d.UnregisterToken = nil
	if usesCoA(d) {
		return nil
	}
	tok, err := m.token()
	if err != nil {
		return err
	}
	d.UnregisterToken = &tok
	return nil
}

// saveLinked persists identity and device together and links them.
func (m *Machine) saveLinked(ctx context.Context, identity *model.Identity, d *model.Device, extra func(tx store.Store) error) error {
	return m.store.Transaction(ctx, func(tx store.Store) error {
		if err := tx.SaveIdentity(ctx, identity); err != nil {
			return err
		}
		d.OwnerID = &identity.ID
		d.Owner = identity
		if err := tx.SaveDevice(ctx, d); err != nil {
			return err
		}
		if extra != nil {
			return extra(tx)
		}
		return nil
	})
}

// Register handles a registration attempt. Depending on the identity it
// starts email verification, activates the device, or files an approval
// request.
func (m *Machine) Register(ctx context.Context, in Registration) (*Decision, error) {
	mac, err := parse.NormalizeMAC(in.MAC)
	if err != nil {
		return nil, err
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.lock(mac)
	defer unlock()
	now := m.now()

	d, err := m.store.GetDevice(ctx, mac)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		d = m.newDevice(mac, in.IPAddress, now)
	case err != nil:
		return nil, err
	default:
		if err := checkTransition(d, EventRegister); err != nil {
			return nil, err
		}
		if in.IPAddress != "" {
			d.IPAddress = in.IPAddress
		}
	}
	if in.Hostname != "" {
		d.Hostname = in.Hostname
	}
	d.LastSeen = &now

	identity, err := m.store.GetIdentityByEmail(ctx, email)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	// Auto-approval keys on where the device is now, not on the VLAN a
	// previous transition assigned it.
	detected := d.CurrentVLAN
	if s, ok := m.subnets.ForIP(in.IPAddress); ok {
		detected = s.ID
	}

	autoApproved := false
	if identity == nil {
		if !m.autoApproves(detected) {
			return m.requestApproval(ctx, d, in, email, now)
		}
		identity = m.newIdentity(email, in, m.cfg.DefaultRole, now, "auto-approve")
		autoApproved = true
	} else {
		if !identity.Active(now) {
			return nil, apperr.Validationf("identity %s is outside its validity window", email)
		}
		if in.FirstName != "" {
			identity.FirstName = in.FirstName
		}
		if in.LastName != "" {
			identity.LastName = in.LastName
		}
		if in.Phone != "" && identity.Phone == "" {
			identity.Phone = in.Phone
		}
	}

	if m.cfg.VerificationRequired && !autoApproved {
		return m.startVerification(ctx, d, identity, now)
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
	if err := m.saveLinked(ctx, identity, d, nil); err != nil {
		return nil, err
	}

	ok := m.activate(ctx, d)
	m.logger.Info("Device registered",
		zap.String("mac", mac),
		zap.String("email", email),
		zap.Int("vlan", vlan),
		zap.Bool("auto_approved", autoApproved),
		zap.Bool("network_update_ok", ok))

	dec := m.decision(d, ok)
	if d.UnregisterToken != nil {
		dec.UnregisterToken = *d.UnregisterToken
	}
	return dec, nil
}

func (m *Machine) startVerification(ctx context.Context, d *model.Device, identity *model.Identity, now time.Time) (*Decision, error) {
	tok, err := m.token()
	if err != nil {
		return nil, err
	}
	expires := now.Add(m.cfg.VerificationTimeout)
	d.RegistrationStatus = model.StatusPendingVerification
	d.VerificationToken = &tok
	d.VerificationExpiresAt = &expires
	d.UnregisterToken = nil
	if usesCoA(d) {
		d.CurrentVLAN = m.vlans.Unregistered()
	}
	if err := m.saveLinked(ctx, identity, d, nil); err != nil {
		return nil, err
	}

	m.logger.Info("Verification started",
		zap.String("mac", d.MACAddress),
		zap.String("email", identity.Email),
		zap.Time("expires_at", expires))

	dec := m.decision(d, true)
	dec.VerificationToken = tok
	return dec, nil
}

// requestApproval files a pending approval request. No network action is
// taken until an admin approves it.
func (m *Machine) requestApproval(ctx context.Context, d *model.Device, in Registration, email string, now time.Time) (*Decision, error) {
	req := &model.RegistrationRequest{
		ID:          uuid.NewString(),
		MACAddress:  d.MACAddress,
		Email:       email,
		FirstName:   in.FirstName,
		LastName:    in.LastName,
		Phone:       in.Phone,
		IPAddress:   in.IPAddress,
		UserAgent:   in.UserAgent,
		Status:      model.RequestPending,
		SubmittedAt: now,
	}
	err := m.store.Transaction(ctx, func(tx store.Store) error {
		if err := tx.SaveDevice(ctx, d); err != nil {
			return err
		}
		return tx.CreateRequest(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to file registration request: %w", err)
	}

	m.logger.Info("Registration request filed",
		zap.String("mac", d.MACAddress),
		zap.String("email", email),
		zap.String("request_id", req.ID))

	dec := m.decision(d, true)
	dec.PendingRequestID = req.ID
	return dec, nil
}
