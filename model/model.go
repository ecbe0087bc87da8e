// Package model contains core data types for the project.
package model

import (
	"encoding/json"
	"fmt"
)

// Metric identifies a Core Web Vital.
type Metric string

const (
	CLS  Metric = "CLS"  // Cumulative Layout Shift
	FCP  Metric = "FCP"  // First Contentful Paint
	LCP  Metric = "LCP"  // Largest Contentful Paint
	TTFB Metric = "TTFB" // Time to First Byte
	INP  Metric = "INP"  // Interaction to Next Paint
)

// Metrics lists every supported vital, in dashboard display order.
var Metrics = []Metric{FCP, LCP, INP, CLS, TTFB}

// Valid reports whether m is one of the supported vitals.
func (m Metric) Valid() bool {
	switch m {
	case CLS, FCP, LCP, TTFB, INP:
		return true
	}
	return false
}

// DeviceType classifies the reporting device. The classification is a
// user-agent heuristic, not authoritative.
type DeviceType string

const (
	Mobile  DeviceType = "mobile"
	Desktop DeviceType = "desktop"
)

// Valid reports whether d is a known device type.
func (d DeviceType) Valid() bool {
	return d == Mobile || d == Desktop
}

// EventType discriminates the two event variants on the wire.
type EventType string

const (
	TypeWebVital EventType = "web-vital"
	TypeCustom   EventType = "custom"
)

// MetricSample is a single web-vitals measurement.
type MetricSample struct {
	Name  Metric  `json:"name"`
	Value float64 `json:"value"`
	ID    string  `json:"id"`
}

// Connection describes the network the sample was taken on. Every field is
// best-effort: hosts that cannot observe the network leave it empty.
type Connection struct {
	EffectiveType string   `json:"effectiveType,omitempty"`
	Downlink      *float64 `json:"downlink,omitempty"`
	RTT           *float64 `json:"rtt,omitempty"`
	SaveData      *bool    `json:"saveData,omitempty"`
}

// Viewport is the visible page size in CSS pixels.
type Viewport struct {
	W int `json:"w"`
	H int `json:"h"`
}

// Page locates the document the sample was captured on.
type Page struct {
	URL  string `json:"url"`
	Path string `json:"path"`
}

// Attribution carries the environment snapshot attached to web-vital events.
// All fields are optional; missing data must never fail event capture.
type Attribution struct {
	Connection          *Connection `json:"connection,omitempty"`
	DeviceMemory        *float64    `json:"deviceMemory,omitempty"`
	HardwareConcurrency *int        `json:"hardwareConcurrency,omitempty"`
	DPR                 *float64    `json:"dpr,omitempty"`
	Locale              string      `json:"locale,omitempty"`
	Viewport            *Viewport   `json:"viewport,omitempty"`
	Page                *Page       `json:"page,omitempty"`
}

// Event is the telemetry event sum type. Type selects the variant:
// web-vital events carry Metric and Attribution, custom events carry
// Name, Value and Attributes. Timestamp, DeviceType and Context are common.
type Event struct {
	Type EventType `json:"type"`

	// web-vital variant
	Metric      *MetricSample `json:"metric,omitempty"`
	Attribution *Attribution  `json:"attribution,omitempty"`

	// custom variant
	Name       string         `json:"name,omitempty"`
	Value      *float64       `json:"value,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`

	Timestamp  int64          `json:"timestamp"` // epoch millis, set at capture time
	DeviceType DeviceType     `json:"deviceType"`
	Context    map[string]any `json:"context,omitempty"`
}

// SingleSubmission is the wire body of an unbatched report: the event object
// itself with the project identifier inlined.
type SingleSubmission struct {
	ProjectID string `json:"projectId"`
	Event
}

// BatchSubmission is the wire body of a batched report.
type BatchSubmission struct {
	ProjectID string  `json:"projectId"`
	Events    []Event `json:"events"`
}

// Payload is the tagged transport variant: a batch serializes to
// {projectId, events: [...]}, a single event serializes to the bare event
// object with projectId inlined. The two shapes are distinct on purpose;
// the server routes them to different endpoints.
type Payload struct {
	projectID string
	events    []Event
	batched   bool
}

// Single wraps one event for the unbatched endpoint.
func Single(projectID string, e Event) Payload {
	return Payload{projectID: projectID, events: []Event{e}}
}

// BatchOf wraps events for the batch endpoint.
func BatchOf(projectID string, events []Event) Payload {
	return Payload{projectID: projectID, events: events, batched: true}
}

// Batched reports which variant p is.
func (p Payload) Batched() bool { return p.batched }

// Events returns the wrapped events, oldest first.
func (p Payload) Events() []Event { return p.events }

// MarshalJSON serializes the variant-specific wire shape.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.batched {
		return json.Marshal(BatchSubmission{ProjectID: p.projectID, Events: p.events})
	}
	if len(p.events) != 1 {
		return nil, fmt.Errorf("single payload must wrap exactly one event, got %d", len(p.events))
	}
	return json.Marshal(SingleSubmission{ProjectID: p.projectID, Event: p.events[0]})
}
