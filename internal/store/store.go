package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"network-access-backend/internal/apperr"
	"network-access-backend/internal/model"
)

// Store defines the interface for all database operations.
type Store interface {
	GetDevice(ctx context.Context, mac string) (*model.Device, error)
	FindDeviceByVerificationToken(ctx context.Context, token string) (*model.Device, error)
	FindDeviceByUnregisterToken(ctx context.Context, token string) (*model.Device, error)
	SaveDevice(ctx context.Context, d *model.Device) error
	DeleteDevice(ctx context.Context, mac string) error
	ListDevices(ctx context.Context) ([]model.Device, error)
	ListDevicesByOwner(ctx context.Context, ownerID uint) ([]model.Device, error)
	TouchLastSeen(ctx context.Context, mac string, at time.Time) error

	GetIdentityByEmail(ctx context.Context, email string) (*model.Identity, error)
	SaveIdentity(ctx context.Context, identity *model.Identity) error

	CreateRequest(ctx context.Context, req *model.RegistrationRequest) error
	GetRequest(ctx context.Context, id string) (*model.RegistrationRequest, error)
	SaveRequest(ctx context.Context, req *model.RegistrationRequest) error
	ListPendingRequests(ctx context.Context) ([]model.RegistrationRequest, error)

	// Transaction runs fn against a store bound to a single transaction.
	Transaction(ctx context.Context, fn func(tx Store) error) error
	Ping(ctx context.Context) error
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func notFound(err error, what string, key any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %v: %w", what, key, apperr.ErrNotFound)
	}
	return fmt.Errorf("failed to load %s %v: %w", what, key, err)
}

func (s *gormStore) findDevice(ctx context.Context, what, query string, key any) (*model.Device, error) {
	var d model.Device
	err := s.db.WithContext(ctx).Preload("Owner").Where(query, key).First(&d).Error
	if err != nil {
		return nil, notFound(err, what, key)
	}
	return &d, nil
}

// GetDevice loads a device and its owner by normalised MAC.
func (s *gormStore) GetDevice(ctx context.Context, mac string) (*model.Device, error) {
	return s.findDevice(ctx, "device", "mac_address = ?", mac)
}

// FindDeviceByVerificationToken resolves a pending verification token.
func (s *gormStore) FindDeviceByVerificationToken(ctx context.Context, token string) (*model.Device, error) {
	if token == "" {
		return nil, fmt.Errorf("verification token: %w", apperr.ErrNotFound)
	}
	return s.findDevice(ctx, "verification token", "verification_token = ?", token)
}

// FindDeviceByUnregisterToken resolves a self-service unregister token.
func (s *gormStore) FindDeviceByUnregisterToken(ctx context.Context, token string) (*model.Device, error) {
	if token == "" {
		return nil, fmt.Errorf("unregister token: %w", apperr.ErrNotFound)
	}
	return s.findDevice(ctx, "unregister token", "unregister_token = ?", token)
}

// SaveDevice inserts or updates the device row. The Owner association is
// never written through the device.
func (s *gormStore) SaveDevice(ctx context.Context, d *model.Device) error {
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Save(d).Error; err != nil {
		return fmt.Errorf("failed to save device %s: %w", d.MACAddress, err)
	}
	return nil
}

// DeleteDevice removes the device row.
func (s *gormStore) DeleteDevice(ctx context.Context, mac string) error {
	res := s.db.WithContext(ctx).Where("mac_address = ?", mac).Delete(&model.Device{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete device %s: %w", mac, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("device %s: %w", mac, apperr.ErrNotFound)
	}
	return nil
}

// ListDevices returns every device that has a MAC, with owners preloaded.
func (s *gormStore) ListDevices(ctx context.Context) ([]model.Device, error) {
	var devices []model.Device
	if err := s.db.WithContext(ctx).
		Preload("Owner").
		Where("mac_address <> ?", "").
		Order("id").
		Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// ListDevicesByOwner returns every device linked to an identity.
func (s *gormStore) ListDevicesByOwner(ctx context.Context, ownerID uint) ([]model.Device, error) {
	var devices []model.Device
	if err := s.db.WithContext(ctx).
		Preload("Owner").
		Where("owner_id = ?", ownerID).
		Order("id").
		Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("failed to list devices of identity %d: %w", ownerID, err)
	}
	return devices, nil
}

// TouchLastSeen records that a device was just observed.
func (s *gormStore) TouchLastSeen(ctx context.Context, mac string, at time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&model.Device{}).
		Where("mac_address = ?", mac).
		Update("last_seen", at)
	if res.Error != nil {
		return fmt.Errorf("failed to touch device %s: %w", mac, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("device %s: %w", mac, apperr.ErrNotFound)
	}
	return nil
}

// GetIdentityByEmail loads an identity by its (lower-case) email.
func (s *gormStore) GetIdentityByEmail(ctx context.Context, email string) (*model.Identity, error) {
	var identity model.Identity
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&identity).Error; err != nil {
		return nil, notFound(err, "identity", email)
	}
	return &identity, nil
}

// SaveIdentity inserts or updates an identity.
func (s *gormStore) SaveIdentity(ctx context.Context, identity *model.Identity) error {
	if err := s.db.WithContext(ctx).Save(identity).Error; err != nil {
		return fmt.Errorf("failed to save identity %s: %w", identity.Email, err)
	}
	return nil
}

// CreateRequest stores a new approval record.
func (s *gormStore) CreateRequest(ctx context.Context, req *model.RegistrationRequest) error {
	if err := s.db.WithContext(ctx).Create(req).Error; err != nil {
		return fmt.Errorf("failed to create registration request for %s: %w", req.MACAddress, err)
	}
	return nil
}

// GetRequest loads an approval record by id.
func (s *gormStore) GetRequest(ctx context.Context, id string) (*model.RegistrationRequest, error) {
	var req model.RegistrationRequest
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&req).Error; err != nil {
		return nil, notFound(err, "registration request", id)
	}
	return &req, nil
}

// SaveRequest updates an approval record.
func (s *gormStore) SaveRequest(ctx context.Context, req *model.RegistrationRequest) error {
	if err := s.db.WithContext(ctx).Save(req).Error; err != nil {
		return fmt.Errorf("failed to save registration request %s: %w", req.ID, err)
	}
	return nil
}

// ListPendingRequests returns the requests still awaiting a decision,
// oldest first.
func (s *gormStore) ListPendingRequests(ctx context.Context) ([]model.RegistrationRequest, error) {
	var reqs []model.RegistrationRequest
	if err := s.db.WithContext(ctx).
		Where("status = ?", model.RequestPending).
		Order("submitted_at").
		Find(&reqs).Error; err != nil {
		return nil, fmt.Errorf("failed to list pending requests: %w", err)
	}
	return reqs, nil
}

// Transaction implements Store.
func (s *gormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx})
	})
}

// Ping checks the database connection.
func (s *gormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}
