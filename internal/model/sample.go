package model

import "time"

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// LocationSample is one device location fix reported for a subject.
type LocationSample struct {
	SubjectID      string    `json:"subject_id" validate:"required,max=128"`
	TenantID       string    `json:"tenant_id" validate:"required,max=128"`
	Latitude       float64   `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude      float64   `json:"longitude" validate:"gte=-180,lte=180"`
	AccuracyMeters *float64  `json:"accuracy_meters,omitempty" validate:"omitempty,gte=0"`
	CapturedAt     time.Time `json:"captured_at" validate:"required"`
	BatteryPercent *float64  `json:"battery_percent,omitempty" validate:"omitempty,gte=0,lte=100"`
	DeviceID       string    `json:"device_id,omitempty" validate:"max=128"`
}

// Point returns the sample position.
func (s LocationSample) Point() Point {
	return Point{Lat: s.Latitude, Lon: s.Longitude}
}

// Accuracy returns the reported accuracy, or 0 when the device did not send one.
func (s LocationSample) Accuracy() float64 {
	if s.AccuracyMeters == nil {
		return 0
	}
	return *s.AccuracyMeters
}
