package model

import "time"

// Location carries the estimated position of an observed device in
// degrees latitude/longitude, with an uncertainty radius in meters.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
	Unc float64 `json:"unc"`
}

// Observation is a single device sighting inside an envelope. Optional
// fields are pointers so an absent value stays distinguishable from a
// zero one.
type Observation struct {
	ClientMac    string    `json:"clientMac"`
	SeenTime     string    `json:"seenTime"`
	SeenEpoch    *int64    `json:"seenEpoch"`
	IPv4         *string   `json:"ipv4"`
	IPv6         *string   `json:"ipv6"`
	RSSI         *int      `json:"rssi"`
	SSID         *string   `json:"ssid"`
	Manufacturer *string   `json:"manufacturer"`
	OS           *string   `json:"os"`
	Location     *Location `json:"location"`
}

// EnvelopeData groups the observations reported by one access point.
type EnvelopeData struct {
	ApFloors     string        `json:"apFloors"`
	ApMac        string        `json:"apMac"`
	Observations []Observation `json:"observations"`
}

// Envelope is the outer object delivered by the push platform. Secret
// authenticates the sender and Type tags the batch, e.g. "DevicesSeen".
type Envelope struct {
	Secret  string       `json:"secret"`
	Version string       `json:"version"`
	Type    string       `json:"type"`
	Data    EnvelopeData `json:"data"`
}

// Client is the persisted latest-known state for one device MAC. Only the
// most recent observation survives; every upsert overwrites in place.
type Client struct {
	ID           int64     `json:"id"`
	Mac          string    `json:"mac"`
	SeenAt       time.Time `json:"seenAt"`
	Lat          *float64  `json:"lat"`
	Lng          *float64  `json:"lng"`
	Unc          *float64  `json:"unc"`
	Manufacturer *string   `json:"manufacturer"`
	OS           *string   `json:"os"`
	Floors       string    `json:"floors"`
	EventType    string    `json:"eventType"`
	SeenEpoch    int64     `json:"seenEpoch"`
}

// IngestionError captures a payload that failed decoding or validation.
type IngestionError struct {
	Mac     string `json:"mac"`
	Payload string `json:"payload"`
	Error   string `json:"error"`
}
