package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"presence/scanning-server/internal/model"
)

func main() {
	mode := flag.String("mode", "mqtt", "Delivery mode: mqtt or http")
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	serverURL := flag.String("server", "http://localhost:8080", "Receiver base URL for http mode")
	secret := flag.String("secret", "", "Shared secret placed in every envelope")
	eventType := flag.String("event-type", "DevicesSeen", "Envelope event type")
	apMac := flag.String("ap-mac", "AA:BB:CC:00:00:01", "Access point identifier")
	apFloors := flag.String("floors", "5th Floor", "Floor path reported by the access point")
	clients := flag.String("clients", "aa:bb:cc:dd:ee:01,aa:bb:cc:dd:ee:02", "Comma-separated client MACs to simulate")
	interval := flag.Duration("interval", 5*time.Second, "Interval between published envelopes")
	baseRSSI := flag.Int("base-rssi", -60, "Baseline RSSI value to simulate")
	rssiJitter := flag.Int("rssi-jitter", 8, "Maximum random jitter applied to RSSI readings")
	baseLat := flag.Float64("lat", 37.7703718, "Base latitude for simulated locations")
	baseLng := flag.Float64("lng", -122.3871248, "Base longitude for simulated locations")
	wander := flag.Float64("wander", 0.0005, "Maximum random offset applied to lat/lng")

	flag.Parse()

	if *secret == "" {
		log.Fatal("-secret is required")
	}

	macs := splitMacs(*clients)
	if len(macs) == 0 {
		log.Fatal("-clients must name at least one MAC")
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var publish func([]byte) error
	switch *mode {
	case "mqtt":
		clientID := fmt.Sprintf("ap-sim-%d", time.Now().UnixNano())
		opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
		opts = opts.SetOrderMatters(false)

		client := mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			log.Fatalf("failed to connect to broker: %v", token.Error())
		}
		defer client.Disconnect(250)
		log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

		topic := "scanning/events/sim"
		publish = func(data []byte) error {
			token := client.Publish(topic, 0, false, data)
			token.Wait()
			return token.Error()
		}
	case "http":
		endpoint := strings.TrimRight(*serverURL, "/") + "/events"
		httpClient := &http.Client{Timeout: 10 * time.Second}
		publish = func(data []byte) error {
			resp, err := httpClient.Post(endpoint, "application/json", bytes.NewReader(data))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unexpected status %s", resp.Status)
			}
			return nil
		}
		log.Printf("posting envelopes to %s", endpoint)
	default:
		log.Fatalf("unknown mode %q", *mode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	emit := func() {
		env := buildEnvelope(rng, *secret, *eventType, *apMac, *apFloors, macs,
			*baseRSSI, *rssiJitter, *baseLat, *baseLng, *wander)

		data, err := json.Marshal(env)
		if err != nil {
			log.Printf("failed to encode envelope: %v", err)
			return
		}

		if err := publish(data); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s envelope with %d observations", env.Type, len(env.Data.Observations))
	}

	emit()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, stopping")
			return
		case <-ticker.C:
			emit()
		}
	}
}

func buildEnvelope(rng *rand.Rand, secret, eventType, apMac, apFloors string, macs []string,
	baseRSSI, rssiJitter int, baseLat, baseLng, wander float64) model.Envelope {
	now := time.Now().UTC()
	epoch := now.Unix()

	observations := make([]model.Observation, 0, len(macs))
	for _, mac := range macs {
		rssi := randomRSSI(rng, baseRSSI, rssiJitter)
		obs := model.Observation{
			ClientMac: mac,
			SeenTime:  now.Format(time.RFC3339Nano),
			SeenEpoch: &epoch,
			RSSI:      &rssi,
			Location: &model.Location{
				Lat: baseLat + (rng.Float64()*2-1)*wander,
				Lng: baseLng + (rng.Float64()*2-1)*wander,
				Unc: 5 + rng.Float64()*20,
			},
		}
		observations = append(observations, obs)
	}

	return model.Envelope{
		Secret:  secret,
		Version: "2.0",
		Type:    eventType,
		Data: model.EnvelopeData{
			ApFloors:     apFloors,
			ApMac:        apMac,
			Observations: observations,
		},
	}
}

func splitMacs(list string) []string {
	parts := strings.Split(list, ",")
	macs := make([]string, 0, len(parts))
	for _, p := range parts {
		if mac := strings.TrimSpace(p); mac != "" {
			macs = append(macs, mac)
		}
	}
	return macs
}

func randomRSSI(rng *rand.Rand, base, jitter int) int {
	if jitter <= 0 {
		return base
	}
	delta := rng.Intn(jitter*2+1) - jitter
	return base + delta
}
