package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"presence/scanning-server/internal/model"
	"presence/scanning-server/internal/mqttbroker"
	"presence/scanning-server/internal/store"
)

// TopicPrefix is the dispatch subtree the worker consumes. The HTTP
// gateway publishes raw webhook bodies to TopicPrefix + "/http"; external
// producers may publish envelopes anywhere under the prefix.
const TopicPrefix = "scanning/events"

const storeTimeout = 2 * time.Second

// Worker consumes raw envelope payloads off the dispatch channel, decodes
// them, and applies each observation to the client store. Failures are
// logged and recorded, never retried; a payload that dies here dies
// silently as far as the original sender is concerned.
type Worker struct {
	store  *store.Store
	logger *slog.Logger
	secret string
}

// NewWorker constructs a worker bound to a store and the configured secret.
func NewWorker(st *store.Store, logger *slog.Logger, secret string) *Worker {
	return &Worker{store: st, logger: logger, secret: secret}
}

// Handle is installed as the broker's publish handler. Messages outside
// the events subtree are ignored.
func (w *Worker) Handle(ctx context.Context, msg mqttbroker.Message) {
	if msg.Topic != TopicPrefix && !strings.HasPrefix(msg.Topic, TopicPrefix+"/") {
		return
	}
	w.Ingest(ctx, msg.Payload)
}

// Ingest decodes one raw payload and upserts every observation it carries,
// in array order. There is no atomicity across the batch: a failure
// mid-batch leaves the earlier upserts in place.
func (w *Worker) Ingest(ctx context.Context, payload []byte) {
	env, err := DecodeEnvelope(payload, w.secret)
	if err != nil {
		if errors.Is(err, ErrSecretMismatch) {
			w.logger.Warn("envelope rejected", "error", err)
		} else {
			w.logger.Warn("envelope decode failed", "error", err)
		}
		w.recordError(ctx, "", payload, err)
		return
	}

	for _, obs := range env.Data.Observations {
		if obs.ClientMac == "" {
			err := fmt.Errorf("observation missing clientMac")
			w.logger.Warn("observation skipped", "ap", env.Data.ApMac, "error", err)
			w.recordError(ctx, env.Data.ApMac, payload, err)
			continue
		}

		storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
		err := w.store.UpsertClient(storeCtx, obs, env.Data.ApFloors, env.Type)
		cancel()

		if err != nil {
			w.logger.Error("failed to persist observation", "mac", obs.ClientMac, "error", err)
			w.recordError(ctx, obs.ClientMac, payload, err)
			continue
		}

		w.logObservation(env, obs)
	}
}

func (w *Worker) logObservation(env *model.Envelope, obs model.Observation) {
	args := []any{
		"mac", obs.ClientMac,
		"floors", env.Data.ApFloors,
		"event", env.Type,
		"ap", env.Data.ApMac,
	}
	if obs.RSSI != nil {
		args = append(args, "rssi", *obs.RSSI)
	}
	if obs.Location != nil {
		args = append(args, "lat", obs.Location.Lat, "lng", obs.Location.Lng)
	}
	w.logger.Info("ingested observation", args...)
}

func (w *Worker) recordError(ctx context.Context, mac string, payload []byte, cause error) {
	recCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	entry := model.IngestionError{
		Mac:     mac,
		Payload: truncateString(string(payload), 4096),
		Error:   cause.Error(),
	}

	if err := w.store.RecordIngestionError(recCtx, entry); err != nil {
		w.logger.Error("failed to persist ingestion error", "error", err)
	}
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
