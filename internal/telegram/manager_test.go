package telegram

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/celestix/gotgproto"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/blockedby/tg-crawler/internal/config"
)

func openSessionDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	// every pooled connection would get its own empty in-memory database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.Exec("CREATE TABLE sessions (version integer primary key, data blob)").Error)
	return db
}

func TestManager_Init_EmptyDB_Unauthorized(t *testing.T) {
	db := openSessionDB(t)
	m := NewManager(&config.Config{TGApiID: 12345, TGApiHash: "test_hash"}, db)

	factoryCalled := false
	m.SetClientFactory(func(context.Context, *config.Config, *gorm.DB) (*gotgproto.Client, error) {
		factoryCalled = true
		return nil, nil
	})

	require.NoError(t, m.Init(context.Background()))
	assert.Equal(t, StatusUnauthorized, m.GetStatus())
	assert.False(t, factoryCalled, "no client may be created without a stored session")
	assert.ErrorIs(t, m.RequireReady(), ErrNotAuthorized)
}

func TestManager_Init_StoredSession_Ready(t *testing.T) {
	db := openSessionDB(t)
	require.NoError(t, db.Exec("INSERT INTO sessions (version, data) VALUES (1, ?)", []byte(`{"mock":"data"}`)).Error)

	m := NewManager(&config.Config{TGApiID: 12345, TGApiHash: "test_hash"}, db)
	stub := &gotgproto.Client{}
	m.SetClientFactory(func(context.Context, *config.Config, *gorm.DB) (*gotgproto.Client, error) {
		return stub, nil
	})

	require.NoError(t, m.Init(context.Background()))
	assert.Equal(t, StatusReady, m.GetStatus())
	assert.Same(t, stub, m.GetClient())
	assert.NoError(t, m.RequireReady())
}

func TestManager_Init_FactoryError_Unauthorized(t *testing.T) {
	db := openSessionDB(t)
	require.NoError(t, db.Exec("INSERT INTO sessions (version, data) VALUES (1, ?)", []byte(`{}`)).Error)

	m := NewManager(&config.Config{TGApiID: 12345, TGApiHash: "test_hash"}, db)
	m.SetClientFactory(func(context.Context, *config.Config, *gorm.DB) (*gotgproto.Client, error) {
		return nil, errors.New("factory failure")
	})

	assert.NoError(t, m.Init(context.Background()), "Init keeps the process alive on factory errors")
	assert.Equal(t, StatusUnauthorized, m.GetStatus())
}

func TestManager_StartQR_UsesQRFactory(t *testing.T) {
	db := openSessionDB(t)
	m := NewManager(&config.Config{TGApiID: 12345, TGApiHash: "test_hash"}, db)

	mockErr := errors.New("mock factory called")
	m.SetQRClientFactory(func(*config.Config) (*QRClientBundle, error) {
		return nil, mockErr
	})
	regularCalled := false
	m.SetClientFactory(func(context.Context, *config.Config, *gorm.DB) (*gotgproto.Client, error) {
		regularCalled = true
		return nil, nil
	})

	var receivedURL string
	err := m.StartQR(context.Background(), func(url string) { receivedURL = url })

	assert.ErrorIs(t, err, mockErr)
	assert.False(t, regularCalled)
	assert.Empty(t, receivedURL)
	assert.False(t, m.IsQRInProgress(), "QR state must be released on failure")
}

func TestManager_SaveSession(t *testing.T) {
	db := openSessionDB(t)
	m := NewManager(&config.Config{}, db)

	require.Error(t, m.SaveSession(nil))

	var count int64
	require.NoError(t, db.Table("sessions").Count(&count).Error)
	assert.Zero(t, count)
}

func TestManager_GetStatus_Concurrent(t *testing.T) {
	m := NewManager(&config.Config{}, openSessionDB(t))

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			m.GetStatus()
		}()
	}
	close(start)
	wg.Wait()
}

func TestManager_Stop_WithoutClient(t *testing.T) {
	m := NewManager(&config.Config{}, openSessionDB(t))
	assert.NotPanics(t, m.Stop)
	assert.Nil(t, m.GetClient())
}
