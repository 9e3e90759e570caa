package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presence/scanning-server/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "clients.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func observation(mac string, epoch int64) model.Observation {
	rssi := 16
	manufacturer := "Apple"
	osName := "iOS"
	return model.Observation{
		ClientMac:    mac,
		SeenEpoch:    &epoch,
		RSSI:         &rssi,
		Manufacturer: &manufacturer,
		OS:           &osName,
		Location:     &model.Location{Lat: 37.77, Lng: -122.39, Unc: 11.4},
	}
}

func TestUpsertClient(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now().Unix()

	t.Run("insert then read back", func(t *testing.T) {
		require.NoError(t, s.UpsertClient(ctx, observation("aa:bb:cc:dd:ee:ff", now), "5th Floor", "DevicesSeen"))

		client, err := s.GetClientByMac(ctx, "aa:bb:cc:dd:ee:ff")
		require.NoError(t, err)
		require.NotNil(t, client)

		assert.Equal(t, "aa:bb:cc:dd:ee:ff", client.Mac)
		assert.Equal(t, "5th Floor", client.Floors)
		assert.Equal(t, "DevicesSeen", client.EventType)
		assert.Equal(t, now, client.SeenEpoch)
		require.NotNil(t, client.Lat)
		assert.InDelta(t, 37.77, *client.Lat, 1e-9)
		require.NotNil(t, client.Manufacturer)
		assert.Equal(t, "Apple", *client.Manufacturer)
	})

	t.Run("second upsert overwrites in place", func(t *testing.T) {
		first, err := s.GetClientByMac(ctx, "aa:bb:cc:dd:ee:ff")
		require.NoError(t, err)
		require.NotNil(t, first)

		obs := observation("aa:bb:cc:dd:ee:ff", now+60)
		obs.Location = &model.Location{Lat: 37.78, Lng: -122.40, Unc: 8.2}
		require.NoError(t, s.UpsertClient(ctx, obs, "6th Floor", "DevicesSeen"))

		count, err := s.CountClients(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		updated, err := s.GetClientByMac(ctx, "aa:bb:cc:dd:ee:ff")
		require.NoError(t, err)
		require.NotNil(t, updated)
		assert.Equal(t, first.ID, updated.ID, "id must be stable across upserts")
		assert.Equal(t, "6th Floor", updated.Floors)
		assert.Equal(t, now+60, updated.SeenEpoch)
		require.NotNil(t, updated.Lat)
		assert.InDelta(t, 37.78, *updated.Lat, 1e-9)
	})

	t.Run("absent location keeps nulls", func(t *testing.T) {
		epoch := now
		obs := model.Observation{ClientMac: "11:22:33:44:55:66", SeenEpoch: &epoch}
		require.NoError(t, s.UpsertClient(ctx, obs, "", "DevicesSeen"))

		client, err := s.GetClientByMac(ctx, "11:22:33:44:55:66")
		require.NoError(t, err)
		require.NotNil(t, client)
		assert.Nil(t, client.Lat)
		assert.Nil(t, client.Lng)
		assert.Nil(t, client.Unc)
		assert.Nil(t, client.Manufacturer)
		assert.Nil(t, client.OS)
	})

	t.Run("missing mac is rejected", func(t *testing.T) {
		err := s.UpsertClient(ctx, model.Observation{}, "", "DevicesSeen")
		assert.Error(t, err)
	})
}

func TestGetClientByMac_Unknown(t *testing.T) {
	s := newTestStore(t)

	client, err := s.GetClientByMac(context.Background(), "ff:ff:ff:ff:ff:ff")
	require.NoError(t, err)
	assert.Nil(t, client, "unknown mac must be a nil client, not an error")
}

func TestListRecentClients(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now().Unix()
	stale := now - int64(RecencyWindow.Seconds()) - 10

	require.NoError(t, s.UpsertClient(ctx, observation("aa:aa:aa:aa:aa:01", now), "5th Floor", "DevicesSeen"))
	require.NoError(t, s.UpsertClient(ctx, observation("aa:aa:aa:aa:aa:02", now), "6th Floor", "DevicesSeen"))
	require.NoError(t, s.UpsertClient(ctx, observation("aa:aa:aa:aa:aa:03", now), "5th Floor", "ProbingSeen"))
	require.NoError(t, s.UpsertClient(ctx, observation("aa:aa:aa:aa:aa:04", stale), "5th Floor", "DevicesSeen"))

	t.Run("window excludes stale rows", func(t *testing.T) {
		clients, err := s.ListRecentClients(ctx, "", "")
		require.NoError(t, err)
		assert.Len(t, clients, 3)
		for _, c := range clients {
			assert.Greater(t, c.SeenEpoch, stale)
		}
	})

	t.Run("floors filter", func(t *testing.T) {
		clients, err := s.ListRecentClients(ctx, "", "6th Floor")
		require.NoError(t, err)
		require.Len(t, clients, 1)
		assert.Equal(t, "aa:aa:aa:aa:aa:02", clients[0].Mac)
	})

	t.Run("event type filter", func(t *testing.T) {
		clients, err := s.ListRecentClients(ctx, "ProbingSeen", "")
		require.NoError(t, err)
		require.Len(t, clients, 1)
		assert.Equal(t, "aa:aa:aa:aa:aa:03", clients[0].Mac)
	})

	t.Run("All sentinel disables filters", func(t *testing.T) {
		clients, err := s.ListRecentClients(ctx, FilterAll, FilterAll)
		require.NoError(t, err)
		assert.Len(t, clients, 3)
	})

	t.Run("no match yields empty slice", func(t *testing.T) {
		clients, err := s.ListRecentClients(ctx, "", "Basement")
		require.NoError(t, err)
		assert.NotNil(t, clients)
		assert.Empty(t, clients)
	})
}

func TestDistinctFloors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now().Unix()
	require.NoError(t, s.UpsertClient(ctx, observation("aa:aa:aa:aa:aa:01", now), "5th Floor", "DevicesSeen"))
	require.NoError(t, s.UpsertClient(ctx, observation("aa:aa:aa:aa:aa:02", now), "6th Floor", "DevicesSeen"))
	require.NoError(t, s.UpsertClient(ctx, observation("aa:aa:aa:aa:aa:03", now), "5th Floor", "DevicesSeen"))

	floors, err := s.DistinctFloors(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"5th Floor", "6th Floor"}, floors)
}

func TestEnforceClientCap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now().Unix()
	for i := 0; i < 5; i++ {
		mac := fmt.Sprintf("aa:aa:aa:aa:aa:%02d", i)
		require.NoError(t, s.UpsertClient(ctx, observation(mac, now), "5th Floor", "DevicesSeen"))
	}

	t.Run("below cap is a no-op", func(t *testing.T) {
		wiped, err := s.EnforceClientCap(ctx, 6)
		require.NoError(t, err)
		assert.False(t, wiped)

		count, err := s.CountClients(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, count)
	})

	t.Run("at cap wipes everything", func(t *testing.T) {
		wiped, err := s.EnforceClientCap(ctx, 5)
		require.NoError(t, err)
		assert.True(t, wiped)

		count, err := s.CountClients(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		clients, err := s.ListRecentClients(ctx, "", "")
		require.NoError(t, err)
		assert.Empty(t, clients)
	})
}

func TestRecordIngestionError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.RecordIngestionError(ctx, model.IngestionError{
		Mac:     "aa:bb:cc:dd:ee:ff",
		Payload: `{"broken":`,
		Error:   "decode envelope: unexpected end of JSON input",
	}))

	var count int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM ingestion_errors;`).Scan(&count))
	assert.Equal(t, 1, count)
}
