// Package reconciler periodically converges the DHCP server's reservations
// onto the pools the persisted device state calls for.
package reconciler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"network-access-backend/config"
	"network-access-backend/internal/kea"
	"network-access-backend/internal/model"
	"network-access-backend/internal/netmap"
	"network-access-backend/internal/parse"
	"network-access-backend/internal/policy"
)

// DeviceLister is the read-only view of persisted devices a pass needs.
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]model.Device, error)
}

// Reservations is the subset of the DHCP client a pass drives.
type Reservations interface {
	GetReservation(ctx context.Context, mac string, subnetID int) (*kea.Reservation, error)
	AddReservation(ctx context.Context, r kea.Reservation) error
	Unregister(ctx context.Context, mac string, subnetID int) error
	ForceRenew(ctx context.Context, mac string, subnetID int) error
}

// Stats summarises one reconciliation pass.
type Stats struct {
	Checked    int       `json:"checked"`
	Repaired   int       `json:"repaired"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// Service runs reconciliation passes on an interval.
type Service struct {
	cfg       config.ReconcilerConfig
	devices   DeviceLister
	dhcp      Reservations
	subnets   *netmap.Table
	publicDNS []string
	pool      *WorkerPool
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.Mutex
	last   Stats
	passes int
}

// NewService creates a reconciler. It only ever reads devices.
func NewService(cfg config.ReconcilerConfig, publicDNS []string, devices DeviceLister, dhcp Reservations, subnets *netmap.Table, logger *zap.Logger) *Service {
	logger = logger.Named("reconciler")
	return &Service{
		cfg:       cfg,
		devices:   devices,
		dhcp:      dhcp,
		subnets:   subnets,
		publicDNS: publicDNS,
		pool:      NewWorkerPool(cfg.Workers, logger),
		logger:    logger,
		now:       time.Now,
	}
}

// Run performs a pass immediately and then one per interval until ctx is
// done. The timer is re-armed only after a pass finishes, so passes never
// overlap.
func (s *Service) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info("Reconciler is disabled. Not starting.")
		return
	}
	s.logger.Info("Starting reconciler", zap.Duration("interval", s.cfg.Interval), zap.Int("workers", s.pool.size))

	s.SyncOnce(ctx)

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Reconciler shutting down.")
			return
		case <-timer.C:
			s.SyncOnce(ctx)
			timer.Reset(s.cfg.Interval)
		}
	}
}

// SyncOnce performs one pass over every device.
func (s *Service) SyncOnce(ctx context.Context) Stats {
	stats := Stats{StartedAt: s.now()}

	devices, err := s.devices.ListDevices(ctx)
	if err != nil {
		s.logger.Error("Reconciliation pass aborted, could not list devices", zap.Error(err))
		stats.Error = err.Error()
		stats.FinishedAt = s.now()
		s.record(stats)
		return stats
	}

	tally := s.pool.Run(ctx, devices, s.reconcile)
	stats.Checked = tally[outcomeInSync] + tally[outcomeRepaired] + tally[outcomeFailed]
	stats.Repaired = tally[outcomeRepaired]
	stats.Skipped = tally[outcomeSkipped]
	stats.Failed = tally[outcomeFailed]
	stats.FinishedAt = s.now()
	s.record(stats)

	s.logger.Info("Reconciliation pass finished",
		zap.Int("devices", len(devices)),
		zap.Int("checked", stats.Checked),
		zap.Int("repaired", stats.Repaired),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed),
		zap.Duration("took", stats.FinishedAt.Sub(stats.StartedAt)))
	return stats
}

func (s *Service) record(stats Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = stats
	s.passes++
}

// LastStats returns the most recent pass and the number of passes so far.
func (s *Service) LastStats() (Stats, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.passes
}

// reconcile converges one device's reservation onto its intended pool.
func (s *Service) reconcile(ctx context.Context, d *model.Device) outcome {
	log := s.logger.With(zap.String("mac", d.MACAddress), zap.Int("vlan", d.CurrentVLAN))

	if d.MACAddress == "" || d.ConnectionType == model.ConnectionWired {
		return outcomeSkipped
	}
	subnet, ok := s.subnets.Lookup(d.CurrentVLAN)
	if !ok || subnet.ConnectionType != model.ConnectionWiFi {
		log.Debug("No WiFi subnet for device VLAN, skipping")
		return outcomeSkipped
	}

	intended := policy.DevicePool(d, s.now())
	live, err := s.dhcp.GetReservation(ctx, d.MACAddress, subnet.ID)
	if err != nil {
		log.Warn("Failed to fetch reservation", zap.Error(err))
		return outcomeFailed
	}

	if live == nil {
		if intended != policy.PoolRegistered {
			// Unregistered devices draw from the server's default pools.
			return outcomeInSync
		}
		log.Info("Drift detected: registered device has no reservation")
	} else {
		current := policy.PoolFromClasses(live.ClientClasses)
		if current == intended {
			return outcomeInSync
		}
		log.Info("Drift detected: reservation is in the wrong pool",
			zap.String("live", string(current)),
			zap.String("intended", string(intended)))
		if err := s.dhcp.Unregister(ctx, d.MACAddress, subnet.ID); err != nil {
			log.Warn("Failed to remove stale reservation", zap.Error(err))
			return outcomeFailed
		}
	}

	hostname := d.Hostname
	if hostname == "" && live != nil {
		hostname = live.Hostname
	}
	if hostname == "" {
		hostname = parse.DefaultHostname(d.MACAddress)
	}
	r := policy.Reservation(d.MACAddress, subnet, intended, hostname, s.publicDNS)
	if err := s.dhcp.AddReservation(ctx, r); err != nil {
		log.Warn("Failed to add reservation", zap.String("pool", string(intended)), zap.Error(err))
		return outcomeFailed
	}

	if s.cfg.ForceRenew {
		if err := s.dhcp.ForceRenew(ctx, d.MACAddress, subnet.ID); err != nil {
			log.Info("Lease renewal after repair failed", zap.Error(err))
		}
	}
	log.Info("Reservation repaired", zap.String("pool", string(intended)))
	return outcomeRepaired
}
