package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presence/scanning-server/internal/config"
	"presence/scanning-server/internal/ingest"
	"presence/scanning-server/internal/model"
	"presence/scanning-server/internal/store"
)

type capturePublisher struct {
	topics   []string
	payloads [][]byte
}

func (p *capturePublisher) Publish(topic string, payload []byte) error {
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return nil
}

func newTestApp(t *testing.T) (*App, *store.Store, *capturePublisher) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "clients.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.InitSchema(context.Background()))

	cfg := config.Config{
		Secret:    "S",
		Validator: "validator-token-123",
	}

	a := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.store = st
	pub := &capturePublisher{}
	a.dispatch = pub

	return a, st, pub
}

func seedClient(t *testing.T, st *store.Store, mac, floors, eventType string, epoch int64) {
	t.Helper()

	rssi := 16
	obs := model.Observation{
		ClientMac: mac,
		SeenEpoch: &epoch,
		RSSI:      &rssi,
		Location:  &model.Location{Lat: 37.77, Lng: -122.39, Unc: 11.4},
	}
	require.NoError(t, st.UpsertClient(context.Background(), obs, floors, eventType))
}

func TestValidatorHandshake(t *testing.T) {
	a, _, _ := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "validator-token-123", rec.Body.String())
}

func TestWebhook(t *testing.T) {
	t.Run("json body is dispatched verbatim", func(t *testing.T) {
		a, _, pub := newTestApp(t)

		body := `{"secret":"S","version":"2.0","type":"DevicesSeen","data":{"apFloors":"5th Floor","apMac":"AA:AA","observations":[]}}`
		req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		a.routes().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Body.String())
		require.Len(t, pub.payloads, 1)
		assert.Equal(t, ingest.TopicPrefix+"/http", pub.topics[0])
		assert.Equal(t, body, string(pub.payloads[0]))
	})

	t.Run("wrong content type is accepted but not dispatched", func(t *testing.T) {
		a, _, pub := newTestApp(t)

		req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader("hello"))
		req.Header.Set("Content-Type", "text/plain")
		rec := httptest.NewRecorder()
		a.routes().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Body.String())
		assert.Empty(t, pub.payloads)
	})
}

func TestGetClient(t *testing.T) {
	a, st, _ := newTestApp(t)
	now := time.Now().Unix()
	seedClient(t, st, "aa:bb:cc:dd:ee:ff", "5th Floor", "DevicesSeen", now)

	t.Run("known mac", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/clients/aa:bb:cc:dd:ee:ff", nil)
		rec := httptest.NewRecorder()
		a.routes().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)

		var client model.Client
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &client))
		assert.Equal(t, "aa:bb:cc:dd:ee:ff", client.Mac)
		assert.Equal(t, "5th Floor", client.Floors)
		require.NotNil(t, client.Lat)
		assert.InDelta(t, 37.77, *client.Lat, 1e-9)
	})

	t.Run("unknown mac is an empty object", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/clients/ff:ff:ff:ff:ff:ff", nil)
		rec := httptest.NewRecorder()
		a.routes().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{}`, rec.Body.String())
	})
}

func TestListClients(t *testing.T) {
	a, st, _ := newTestApp(t)
	now := time.Now().Unix()
	seedClient(t, st, "aa:aa:aa:aa:aa:01", "5th Floor", "DevicesSeen", now)
	seedClient(t, st, "aa:aa:aa:aa:aa:02", "6th Floor", "DevicesSeen", now)
	seedClient(t, st, "aa:aa:aa:aa:aa:03", "5th Floor", "ProbingSeen", now)

	list := func(t *testing.T, target string) []model.Client {
		t.Helper()

		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		a.routes().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var clients []model.Client
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &clients))
		return clients
	}

	t.Run("unfiltered", func(t *testing.T) {
		assert.Len(t, list(t, "/clients"), 3)
	})

	t.Run("trailing slash variant", func(t *testing.T) {
		assert.Len(t, list(t, "/clients/"), 3)
	})

	t.Run("floors filter", func(t *testing.T) {
		clients := list(t, "/clients?floors=6th%20Floor")
		require.Len(t, clients, 1)
		assert.Equal(t, "aa:aa:aa:aa:aa:02", clients[0].Mac)
	})

	t.Run("event type filter", func(t *testing.T) {
		clients := list(t, "/clients?eventType=ProbingSeen")
		require.Len(t, clients, 1)
		assert.Equal(t, "aa:aa:aa:aa:aa:03", clients[0].Mac)
	})

	t.Run("All sentinel", func(t *testing.T) {
		assert.Len(t, list(t, "/clients?eventType=All&floors=All"), 3)
	})
}

func TestFloors(t *testing.T) {
	a, st, _ := newTestApp(t)
	now := time.Now().Unix()
	seedClient(t, st, "aa:aa:aa:aa:aa:01", "5th Floor", "DevicesSeen", now)
	seedClient(t, st, "aa:aa:aa:aa:aa:02", "6th Floor", "DevicesSeen", now)

	req := httptest.NewRequest(http.MethodGet, "/floors", nil)
	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var floors []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &floors))
	assert.Equal(t, []string{"5th Floor", "6th Floor"}, floors)
}

func TestAdminWipe(t *testing.T) {
	t.Run("requires confirmation", func(t *testing.T) {
		a, st, _ := newTestApp(t)
		seedClient(t, st, "aa:aa:aa:aa:aa:01", "5th Floor", "DevicesSeen", time.Now().Unix())

		req := httptest.NewRequest(http.MethodPost, "/admin/wipe", strings.NewReader(`{"confirm":"no"}`))
		rec := httptest.NewRecorder()
		a.routes().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)

		count, err := st.CountClients(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("clears client state", func(t *testing.T) {
		a, st, _ := newTestApp(t)
		seedClient(t, st, "aa:aa:aa:aa:aa:01", "5th Floor", "DevicesSeen", time.Now().Unix())

		req := httptest.NewRequest(http.MethodPost, "/admin/wipe", strings.NewReader(`{"confirm":"wipe"}`))
		rec := httptest.NewRecorder()
		a.routes().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)

		count, err := st.CountClients(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})
}
