// Package kea manages host reservations and leases on a Kea DHCPv4 server
// through its JSON control channel.
package kea

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"go.uber.org/zap"

	"network-access-backend/config"
	"network-access-backend/internal/apperr"
	"network-access-backend/internal/netmap"
	"network-access-backend/internal/parse"
)

const service = "dhcp4"

// Options carries the DHCP-side policy the client applies on registration.
type Options struct {
	PublicDNS       []string
	StaticAddresses map[string]string // normalised MAC -> IPv4
}

// Client issues reservation and lease commands. It is safe for concurrent
// use; every command opens its own connection.
type Client struct {
	transport Transport
	subnets   *netmap.Table
	publicDNS []string
	static    map[string]netip.Addr
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a client over an existing transport.
func New(transport Transport, subnets *netmap.Table, opts Options, logger *zap.Logger) (*Client, error) {
	static := make(map[string]netip.Addr, len(opts.StaticAddresses))
	for rawMAC, rawIP := range opts.StaticAddresses {
		mac, err := parse.NormalizeMAC(rawMAC)
		if err != nil {
			return nil, fmt.Errorf("static address: %w", err)
		}
		ip, err := netip.ParseAddr(rawIP)
		if err != nil || !ip.Is4() {
			return nil, fmt.Errorf("static address for %s: invalid IPv4 %q", mac, rawIP)
		}
		static[mac] = ip
	}
	return &Client{
		transport: transport,
		subnets:   subnets,
		publicDNS: opts.PublicDNS,
		static:    static,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// NewFromConfig wires a client from the dhcp config section.
func NewFromConfig(cfg config.DHCPConfig, subnets *netmap.Table, logger *zap.Logger) (*Client, error) {
	transport, err := NewTransport(cfg)
	if err != nil {
		return nil, err
	}
	return New(transport, subnets, Options{PublicDNS: cfg.PublicDNS, StaticAddresses: cfg.StaticAddresses}, logger)
}

func (c *Client) send(ctx context.Context, op string, args map[string]any) (*Response, error) {
	resp, err := c.transport.Do(ctx, Command{Command: op, Service: []string{service}, Arguments: args})
	if err != nil {
		c.logger.Warn("Kea command failed", zap.String("command", op), zap.Error(err))
		return nil, apperr.Transient(op, err)
	}
	return resp, nil
}

// staticAddress returns the configured fixed address for mac after checking
// it falls inside the subnet's registered range.
func (c *Client) staticAddress(mac string, subnet netmap.Subnet) (string, error) {
	ip, ok := c.static[mac]
	if !ok {
		return "", nil
	}
	if !subnet.InRegisteredPool(ip) {
		return "", apperr.Validationf("static address %s for %s is outside the registered range %s-%s of subnet %d",
			ip, mac, subnet.RegisteredFrom, subnet.RegisteredTo, subnet.ID)
	}
	return ip.String(), nil
}

// Register creates a REGISTERED reservation for mac in subnetID carrying the
// public resolvers and, when one is configured, the device's static address.
// An already existing reservation counts as success.
func (c *Client) Register(ctx context.Context, mac string, subnetID int, hostname string) error {
	mac, err := parse.NormalizeMAC(mac)
	if err != nil {
		return err
	}
	subnet, err := c.subnets.MustHave(subnetID)
	if err != nil {
		return err
	}
	if hostname == "" {
		hostname = parse.DefaultHostname(mac)
	}

	return c.AddReservation(ctx, Reservation{
		HWAddress:     mac,
		SubnetID:      subnet.ID,
		Hostname:      hostname,
		ClientClasses: []string{ClassRegistered},
		DNSServers:    c.publicDNS,
		UserContext: map[string]any{
			"registered":    true,
			"registered-at": c.now().UTC().Format(time.RFC3339),
		},
	})
}

// AddReservation adds r as given. REGISTERED reservations pick up the
// configured static address when r has none. A duplicate is treated as
// success.
func (c *Client) AddReservation(ctx context.Context, r Reservation) error {
	mac, err := parse.NormalizeMAC(r.HWAddress)
	if err != nil {
		return err
	}
	subnet, err := c.subnets.MustHave(r.SubnetID)
	if err != nil {
		return err
	}
	r.HWAddress = mac

	if r.IPAddress == "" && r.HasClass(ClassRegistered) {
		if r.IPAddress, err = c.staticAddress(mac, subnet); err != nil {
			return err
		}
	} else if r.IPAddress != "" {
		ip, perr := netip.ParseAddr(r.IPAddress)
		if perr != nil || !subnet.Prefix.Contains(ip) {
			return apperr.Validationf("reservation address %q is not inside subnet %d", r.IPAddress, subnet.ID)
		}
		if r.HasClass(ClassRegistered) && !subnet.InRegisteredPool(ip) {
			return apperr.Validationf("reservation address %s is outside the registered range %s-%s of subnet %d",
				ip, subnet.RegisteredFrom, subnet.RegisteredTo, subnet.ID)
		}
	}

	resp, err := c.send(ctx, "reservation-add", map[string]any{"reservation": r.toWire()})
	if err != nil {
		return err
	}

	switch {
	case resp.Result == ResultSuccess:
		c.logger.Info("Reservation added",
			zap.String("mac", mac),
			zap.Int("subnet_id", r.SubnetID),
			zap.Strings("client_classes", r.ClientClasses),
			zap.String("ip_address", r.IPAddress))
		return nil
	case isDuplicate(resp.Text):
		c.logger.Info("Reservation already exists", zap.String("mac", mac), zap.Int("subnet_id", r.SubnetID))
		return nil
	default:
		return &apperr.ProtocolError{Op: "reservation-add", Code: resp.Result, Text: resp.Text}
	}
}

func isDuplicate(text string) bool {
	t := strings.ToLower(text)
	return strings.Contains(t, "duplicate") || strings.Contains(t, "already exist")
}

func isNotFound(resp *Response) bool {
	return resp.Result == ResultEmpty || strings.Contains(strings.ToLower(resp.Text), "not found")
}

func hostArgs(mac string, subnetID int) map[string]any {
	return map[string]any{
		"subnet-id":       subnetID,
		"identifier-type": "hw-address",
		"identifier":      mac,
	}
}

// Unregister deletes the reservation for mac in subnetID. A missing
// reservation counts as success.
func (c *Client) Unregister(ctx context.Context, mac string, subnetID int) error {
	mac, err := parse.NormalizeMAC(mac)
	if err != nil {
		return err
	}

	resp, err := c.send(ctx, "reservation-del", hostArgs(mac, subnetID))
	if err != nil {
		return err
	}
	if resp.Result == ResultSuccess || isNotFound(resp) {
		c.logger.Info("Reservation removed", zap.String("mac", mac), zap.Int("subnet_id", subnetID), zap.Int("result", resp.Result))
		return nil
	}
	return &apperr.ProtocolError{Op: "reservation-del", Code: resp.Result, Text: resp.Text}
}

// GetReservation returns the reservation for mac in subnetID, or nil if
// there is none.
func (c *Client) GetReservation(ctx context.Context, mac string, subnetID int) (*Reservation, error) {
	mac, err := parse.NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, "reservation-get", hostArgs(mac, subnetID))
	if err != nil {
		return nil, err
	}
	if isNotFound(resp) {
		return nil, nil
	}
	if resp.Result != ResultSuccess {
		return nil, &apperr.ProtocolError{Op: "reservation-get", Code: resp.Result, Text: resp.Text}
	}

	var r Reservation
	if err := json.Unmarshal(resp.Arguments, &r); err != nil {
		return nil, &apperr.ProtocolError{Op: "reservation-get", Code: resp.Result, Text: fmt.Sprintf("undecodable arguments: %v", err)}
	}
	r.fromWire()
	return &r, nil
}

// GetAllReservations lists every reservation in subnetID.
func (c *Client) GetAllReservations(ctx context.Context, subnetID int) ([]Reservation, error) {
	resp, err := c.send(ctx, "reservation-get-all", map[string]any{"subnet-id": subnetID})
	if err != nil {
		return nil, err
	}
	if resp.Result == ResultEmpty {
		return []Reservation{}, nil
	}
	if resp.Result != ResultSuccess {
		return nil, &apperr.ProtocolError{Op: "reservation-get-all", Code: resp.Result, Text: resp.Text}
	}

	var args struct {
		Hosts        []Reservation `json:"hosts"`
		Reservations []Reservation `json:"reservations"`
	}
	if err := json.Unmarshal(resp.Arguments, &args); err != nil {
		return nil, &apperr.ProtocolError{Op: "reservation-get-all", Code: resp.Result, Text: fmt.Sprintf("undecodable arguments: %v", err)}
	}
	out := args.Hosts
	if len(out) == 0 {
		out = args.Reservations
	}
	if out == nil {
		out = []Reservation{}
	}
	for i := range out {
		out[i].fromWire()
	}
	return out, nil
}

// GetLeaseByMAC returns the active lease for mac in subnetID, or nil.
func (c *Client) GetLeaseByMAC(ctx context.Context, mac string, subnetID int) (*Lease, error) {
	mac, err := parse.NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, "lease4-get", hostArgs(mac, subnetID))
	if err != nil {
		return nil, err
	}
	if isNotFound(resp) {
		return nil, nil
	}
	if resp.Result != ResultSuccess {
		return nil, &apperr.ProtocolError{Op: "lease4-get", Code: resp.Result, Text: resp.Text}
	}

	var l Lease
	if err := json.Unmarshal(resp.Arguments, &l); err != nil {
		return nil, &apperr.ProtocolError{Op: "lease4-get", Code: resp.Result, Text: fmt.Sprintf("undecodable arguments: %v", err)}
	}
	return &l, nil
}

// ForceRenew deletes the device's current lease so its next DHCP exchange
// lands in the pool its reservation now selects. A device with no lease has
// nothing to renew and is not an error.
func (c *Client) ForceRenew(ctx context.Context, mac string, subnetID int) error {
	lease, err := c.GetLeaseByMAC(ctx, mac, subnetID)
	if err != nil {
		return err
	}
	if lease == nil {
		c.logger.Debug("No active lease to renew", zap.String("mac", mac), zap.Int("subnet_id", subnetID))
		return nil
	}

	resp, err := c.send(ctx, "lease4-del", map[string]any{"ip-address": lease.IPAddress})
	if err != nil {
		return err
	}
	if resp.Result == ResultSuccess || isNotFound(resp) {
		c.logger.Info("Lease released for renewal", zap.String("mac", mac), zap.String("ip_address", lease.IPAddress))
		return nil
	}
	return &apperr.ProtocolError{Op: "lease4-del", Code: resp.Result, Text: resp.Text}
}

// Stats returns the server's statistic-get-all payload.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	resp, err := c.send(ctx, "statistic-get-all", nil)
	if err != nil {
		return nil, err
	}
	if resp.Result != ResultSuccess {
		return nil, &apperr.ProtocolError{Op: "statistic-get-all", Code: resp.Result, Text: resp.Text}
	}
	stats := map[string]any{}
	if len(resp.Arguments) > 0 {
		if err := json.Unmarshal(resp.Arguments, &stats); err != nil {
			return nil, &apperr.ProtocolError{Op: "statistic-get-all", Code: resp.Result, Text: fmt.Sprintf("undecodable arguments: %v", err)}
		}
	}
	return stats, nil
}
