package access

import (
	"context"

	"go.uber.org/zap"

	"network-access-backend/internal/model"
)

func (m *Machine) report(op string, d *model.Device, err error) bool {
	if err == nil {
		return true
	}
	m.logger.Warn("Network update failed, reconciler will retry",
		zap.String("op", op),
		zap.String("mac", d.MACAddress),
		zap.String("connection_type", string(d.ConnectionType)),
		zap.Int("vlan", d.CurrentVLAN),
		zap.Error(err))
	return false
}

// activate grants the device its active access: a CoA to the role VLAN for
// wired ports, a REGISTERED reservation for WiFi.
func (m *Machine) activate(ctx context.Context, d *model.Device) bool {
	ctx = context.WithoutCancel(ctx)
	if usesCoA(d) {
		return m.report("coa", d, m.coa.ChangeVLAN(ctx, d.MACAddress, d.CurrentVLAN, userName(d)...))
	}
	if err := m.dhcp.Register(ctx, d.MACAddress, d.CurrentVLAN, d.Hostname); err != nil {
		return m.report("dhcp register", d, err)
	}
	m.renew(ctx, d)
	return true
}

// moveWired sends the wired session to vlan.
func (m *Machine) moveWired(ctx context.Context, d *model.Device, vlan int) bool {
	return m.report("coa", d, m.coa.ChangeVLAN(context.WithoutCancel(ctx), d.MACAddress, vlan, userName(d)...))
}

// disconnectWired ends the wired session.
func (m *Machine) disconnectWired(ctx context.Context, d *model.Device) bool {
	return m.report("disconnect", d, m.coa.Disconnect(context.WithoutCancel(ctx), d.MACAddress, userName(d)...))
}

// releaseWiFi drops the device's reservation so it falls back to the
// server's unregistered pools.
func (m *Machine) releaseWiFi(ctx context.Context, d *model.Device, renew bool) bool {
	ctx = context.WithoutCancel(ctx)
	if err := m.dhcp.Unregister(ctx, d.MACAddress, d.CurrentVLAN); err != nil {
		return m.report("dhcp unregister", d, err)
	}
	if renew {
		m.renew(ctx, d)
	}
	return true
}

// renew forces a fresh lease. Failure is logged only; the device picks up
// the new pool at its next renewal anyway.
func (m *Machine) renew(ctx context.Context, d *model.Device) {
	if err := m.dhcp.ForceRenew(ctx, d.MACAddress, d.CurrentVLAN); err != nil {
		m.logger.Info("Lease renewal failed", zap.String("mac", d.MACAddress), zap.Error(err))
	}
}
