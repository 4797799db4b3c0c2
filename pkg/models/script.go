package models

import "time"

// Script is a versioned automation program. Its content is opaque to the
// scheduling engine; only Valid, Priority, TimeoutSeconds and MaxRetries
// drive scheduling decisions.
type Script struct {
	ID             int64     `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	Content        string    `json:"content" db:"content"`
	Checksum       string    `json:"checksum" db:"checksum"`
	Valid          bool      `json:"valid" db:"valid"`
	Priority       int       `json:"priority" db:"priority"`
	TimeoutSeconds int       `json:"timeout_seconds" db:"timeout_seconds"`
	MaxRetries     int       `json:"max_retries" db:"max_retries"`
	CreateTime     time.Time `json:"create_time" db:"create_time"`
}

// Timeout is the per-attempt result deadline, measured from the attempt's
// start time.
func (s Script) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}
