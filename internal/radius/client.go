// Package radius sends RADIUS Change-of-Authorization and Disconnect
// requests to the wired network's CoA server.
package radius

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2868"

	"network-access-backend/config"
	"network-access-backend/internal/apperr"
	"network-access-backend/internal/parse"
)

const (
	minVLAN = 1
	maxVLAN = 4094
)

// tunnelTypeVLAN is Tunnel-Type 13 (RFC 3580), which rfc2868 does not name.
const tunnelTypeVLAN = rfc2868.TunnelType(13)

// Option adjusts a single request.
type Option func(*request)

type request struct {
	userName string
}

// WithUserName adds a User-Name attribute to the request.
func WithUserName(name string) Option {
	return func(r *request) { r.userName = name }
}

// Client is a CoA client. Every call is its own UDP exchange with no
// retransmission.
type Client struct {
	addr    string
	secret  []byte
	nasIP   net.IP
	timeout time.Duration
	conn    *radius.Client
	logger  *zap.Logger
}

// New creates a client from the radius config section.
func New(cfg config.RadiusConfig, logger *zap.Logger) (*Client, error) {
	nasIP := net.ParseIP(cfg.NASIP)
	if cfg.NASIP != "" && nasIP == nil {
		return nil, fmt.Errorf("invalid nas_ip %q", cfg.NASIP)
	}
	if nasIP != nil {
		nasIP = nasIP.To4()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		addr:    cfg.Addr(),
		secret:  []byte(cfg.Secret),
		nasIP:   nasIP,
		timeout: timeout,
		conn:    &radius.Client{Retry: 0},
		logger:  logger,
	}, nil
}

// ChangeVLAN moves the session of mac to vlan. It returns nil only when the
// server answers CoA-ACK.
func (c *Client) ChangeVLAN(ctx context.Context, mac string, vlan int, opts ...Option) error {
	if vlan < minVLAN || vlan > maxVLAN {
		return apperr.Validationf("VLAN %d outside %d..%d", vlan, minVLAN, maxVLAN)
	}
	packet, stationID, err := c.packet(radius.CodeCoARequest, mac, opts)
	if err != nil {
		return err
	}

	if err := rfc2868.TunnelType_Set(packet, 0, tunnelTypeVLAN); err != nil {
		return fmt.Errorf("set Tunnel-Type: %w", err)
	}
	if err := rfc2868.TunnelMediumType_Set(packet, 0, rfc2868.TunnelMediumType_Value_IEEE802); err != nil {
		return fmt.Errorf("set Tunnel-Medium-Type: %w", err)
	}
	if err := rfc2868.TunnelPrivateGroupID_SetString(packet, 0, strconv.Itoa(vlan)); err != nil {
		return fmt.Errorf("set Tunnel-Private-Group-Id: %w", err)
	}

	c.logger.Info("Sending CoA", zap.String("calling_station_id", stationID), zap.Int("vlan", vlan))
	if err := c.exchange(ctx, "coa", packet, radius.CodeCoAACK); err != nil {
		c.logger.Warn("CoA failed", zap.String("calling_station_id", stationID), zap.Int("vlan", vlan), zap.Error(err))
		return err
	}
	c.logger.Info("CoA acknowledged", zap.String("calling_station_id", stationID), zap.Int("vlan", vlan))
	return nil
}

// Disconnect ends the session of mac. CoA-ACK and Disconnect-ACK both count
// as success.
func (c *Client) Disconnect(ctx context.Context, mac string, opts ...Option) error {
	packet, stationID, err := c.packet(radius.CodeDisconnectRequest, mac, opts)
	if err != nil {
		return err
	}

	c.logger.Info("Sending Disconnect-Request", zap.String("calling_station_id", stationID))
	if err := c.exchange(ctx, "disconnect", packet, radius.CodeCoAACK, radius.CodeDisconnectACK); err != nil {
		c.logger.Warn("Disconnect failed", zap.String("calling_station_id", stationID), zap.Error(err))
		return err
	}
	c.logger.Info("Disconnect acknowledged", zap.String("calling_station_id", stationID))
	return nil
}

// packet builds a request carrying the attributes shared by both request
// kinds.
func (c *Client) packet(code radius.Code, mac string, opts []Option) (*radius.Packet, string, error) {
	stationID, err := parse.CallingStationID(mac)
	if err != nil {
		return nil, "", err
	}

	var req request
	for _, opt := range opts {
		opt(&req)
	}

	p := radius.New(code, c.secret)
	if req.userName != "" {
		if err := rfc2865.UserName_SetString(p, req.userName); err != nil {
			return nil, "", fmt.Errorf("set User-Name: %w", err)
		}
	}
	if c.nasIP != nil {
		if err := rfc2865.NASIPAddress_Set(p, c.nasIP); err != nil {
			return nil, "", fmt.Errorf("set NAS-IP-Address: %w", err)
		}
	}
	if err := rfc2865.CallingStationID_SetString(p, stationID); err != nil {
		return nil, "", fmt.Errorf("set Calling-Station-Id: %w", err)
	}
	return p, stationID, nil
}

func (c *Client) exchange(ctx context.Context, op string, packet *radius.Packet, accept ...radius.Code) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reply, err := c.conn.Exchange(ctx, packet, c.addr)
	if err != nil {
		return apperr.Transient(op, err)
	}
	for _, code := range accept {
		if reply.Code == code {
			return nil
		}
	}
	return &apperr.ProtocolError{Op: op, Code: int(reply.Code), Text: replyText(reply)}
}

func replyText(p *radius.Packet) string {
	if msg := rfc2865.ReplyMessage_GetString(p); msg != "" {
		return msg
	}
	return p.Code.String()
}
