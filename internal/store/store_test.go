package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"network-access-backend/internal/apperr"
	"network-access-backend/internal/db"
	"network-access-backend/internal/model"
)

// A helper function to create a mock database connection.
func newTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: sqlDB,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

// newSQLiteStore returns a store over a private in-memory database.
func newSQLiteStore(t *testing.T) (Store, *gorm.DB) {
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	// One connection keeps the in-memory database alive and shared.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.Migrate(gormDB))
	return NewGormStore(gormDB), gormDB
}

// Any is a helper for sqlmock to match any argument.
type Any struct{}

// Match satisfies the sqlmock.Argument interface
func (a Any) Match(v driver.Value) bool {
	return true
}

func TestGormStore_QueryShapes(t *testing.T) {
	mac := "aa:bb:cc:dd:ee:01"

	testCases := []struct {
		name             string
		mockExpectations func(mock sqlmock.Sqlmock)
		run              func(s Store) error
		expectedErr      error
	}{
		{
			name: "missing device maps to not found",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "devices" WHERE mac_address = $1`)).
					WillReturnRows(sqlmock.NewRows([]string{"id", "mac_address"}))
			},
			run: func(s Store) error {
				_, err := s.GetDevice(context.Background(), mac)
				return err
			},
			expectedErr: apperr.ErrNotFound,
		},
		{
			name: "touch of unknown device maps to not found",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta(`UPDATE "devices" SET "last_seen"=$1`)).
					WithArgs(Any{}, Any{}, mac).
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectCommit()
			},
			run: func(s Store) error {
				return s.TouchLastSeen(context.Background(), mac, time.Now())
			},
			expectedErr: apperr.ErrNotFound,
		},
		{
			name: "delete by mac",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "devices" WHERE mac_address = $1`)).
					WithArgs(mac).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
			run: func(s Store) error {
				return s.DeleteDevice(context.Background(), mac)
			},
		},
		{
			name: "pending requests are filtered by status",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "registration_requests" WHERE status = $1 ORDER BY submitted_at`)).
					WithArgs("pending").
					WillReturnRows(sqlmock.NewRows([]string{"id", "mac_address", "status"}).
						AddRow("b6f0c3a2-0000-4000-8000-000000000001", mac, "pending"))
			},
			run: func(s Store) error {
				reqs, err := s.ListPendingRequests(context.Background())
				if err == nil && len(reqs) != 1 {
					return errors.New("expected one pending request")
				}
				return err
			},
		},
		{
			name: "database error is not mistaken for not found",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "identities" WHERE email = $1`)).
					WillReturnError(errors.New("connection reset"))
			},
			run: func(s Store) error {
				_, err := s.GetIdentityByEmail(context.Background(), "a@example.com")
				if errors.Is(err, apperr.ErrNotFound) {
					return errors.New("unexpected not found")
				}
				if err == nil {
					return errors.New("expected an error")
				}
				return nil
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gormDB, mock := newTestDB(t)
			s := NewGormStore(gormDB)

			tc.mockExpectations(mock)

			err := tc.run(s)
			if tc.expectedErr != nil {
				assert.ErrorIs(t, err, tc.expectedErr)
			} else {
				assert.NoError(t, err)
			}

			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGormStore_DeviceLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newSQLiteStore(t)
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

	owner := &model.Identity{
		Email:      "alice@example.com",
		Role:       "staff",
		ValidFrom:  now.AddDate(0, 0, -1),
		ValidUntil: now.AddDate(0, 0, 30),
	}
	require.NoError(t, s.SaveIdentity(ctx, owner))
	require.NotZero(t, owner.ID)

	token := "verify-token"
	expires := now.Add(15 * time.Minute)
	device := &model.Device{
		MACAddress:            "aa:bb:cc:dd:ee:01",
		OwnerID:               &owner.ID,
		RegistrationStatus:    model.StatusPendingVerification,
		ConnectionType:        model.ConnectionWiFi,
		CurrentVLAN:           40,
		FirstSeen:             now,
		VerificationToken:     &token,
		VerificationExpiresAt: &expires,
	}
	require.NoError(t, s.SaveDevice(ctx, device))

	t.Run("lookup by mac preloads owner", func(t *testing.T) {
		got, err := s.GetDevice(ctx, "aa:bb:cc:dd:ee:01")
		require.NoError(t, err)
		require.NotNil(t, got.Owner)
		assert.Equal(t, "alice@example.com", got.Owner.Email)
		assert.Equal(t, model.StatusPendingVerification, got.RegistrationStatus)
	})

	t.Run("lookup by verification token", func(t *testing.T) {
		got, err := s.FindDeviceByVerificationToken(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, device.ID, got.ID)

		_, err = s.FindDeviceByVerificationToken(ctx, "")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("saving through the device does not rewrite the owner", func(t *testing.T) {
		got, err := s.GetDevice(ctx, "aa:bb:cc:dd:ee:01")
		require.NoError(t, err)
		got.Owner.Role = "tampered"
		got.ClearVerification()
		unregister := "unregister-token"
		got.UnregisterToken = &unregister
		got.RegistrationStatus = model.StatusActive
		require.NoError(t, s.SaveDevice(ctx, got))

		identity, err := s.GetIdentityByEmail(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, "staff", identity.Role)

		byToken, err := s.FindDeviceByUnregisterToken(ctx, unregister)
		require.NoError(t, err)
		assert.Equal(t, model.StatusActive, byToken.RegistrationStatus)
		assert.Nil(t, byToken.VerificationToken)
	})

	t.Run("list skips devices without a MAC", func(t *testing.T) {
		require.NoError(t, s.SaveDevice(ctx, &model.Device{MACAddress: "", RegistrationStatus: model.StatusUnregistered, ConnectionType: model.ConnectionUnknown, FirstSeen: now}))

		devices, err := s.ListDevices(ctx)
		require.NoError(t, err)
		require.Len(t, devices, 1)
		assert.Equal(t, "aa:bb:cc:dd:ee:01", devices[0].MACAddress)

		owned, err := s.ListDevicesByOwner(ctx, owner.ID)
		require.NoError(t, err)
		assert.Len(t, owned, 1)
	})

	t.Run("touch and delete", func(t *testing.T) {
		seen := now.Add(time.Hour)
		require.NoError(t, s.TouchLastSeen(ctx, "aa:bb:cc:dd:ee:01", seen))
		got, err := s.GetDevice(ctx, "aa:bb:cc:dd:ee:01")
		require.NoError(t, err)
		require.NotNil(t, got.LastSeen)
		assert.True(t, got.LastSeen.Equal(seen))

		require.NoError(t, s.DeleteDevice(ctx, "aa:bb:cc:dd:ee:01"))
		_, err = s.GetDevice(ctx, "aa:bb:cc:dd:ee:01")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		assert.ErrorIs(t, s.DeleteDevice(ctx, "aa:bb:cc:dd:ee:01"), apperr.ErrNotFound)
	})
}

func TestGormStore_Requests(t *testing.T) {
	ctx := context.Background()
	s, _ := newSQLiteStore(t)
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

	first := &model.RegistrationRequest{ID: "req-1", MACAddress: "aa:bb:cc:dd:ee:01", Email: "bob@example.com", Status: model.RequestPending, SubmittedAt: now}
	second := &model.RegistrationRequest{ID: "req-2", MACAddress: "aa:bb:cc:dd:ee:02", Email: "carol@example.com", Status: model.RequestPending, SubmittedAt: now.Add(-time.Hour)}
	require.NoError(t, s.CreateRequest(ctx, first))
	require.NoError(t, s.CreateRequest(ctx, second))

	pending, err := s.ListPendingRequests(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "req-2", pending[0].ID, "oldest first")

	got, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	got.Status = model.RequestRejected
	got.ProcessedAt = &now
	got.ProcessedBy = "admin"
	require.NoError(t, s.SaveRequest(ctx, got))

	pending, err = s.ListPendingRequests(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	_, err = s.GetRequest(ctx, "req-404")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestGormStore_TransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	s, _ := newSQLiteStore(t)
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

	boom := errors.New("boom")
	err := s.Transaction(ctx, func(tx Store) error {
		if err := tx.SaveIdentity(ctx, &model.Identity{Email: "dave@example.com", Role: "guests", ValidFrom: now, ValidUntil: now.AddDate(0, 0, 30)}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetIdentityByEmail(ctx, "dave@example.com")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.NoError(t, s.Ping(ctx))
}
