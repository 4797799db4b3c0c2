package models

import (
	"database/sql/driver"
	"time"

	"github.com/lib/pq"
)

// StringList is an ordered list of device IDs stored as a Postgres text array.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	return pq.StringArray(l).Value()
}

func (l *StringList) Scan(src interface{}) error {
	return (*pq.StringArray)(l).Scan(src)
}

// Device is one remotely managed endpoint able to run scripts.
type Device struct {
	ID         string    `json:"id" db:"id"`
	Name       string    `json:"name" db:"name"`
	Active     bool      `json:"active" db:"active"`
	CreateTime time.Time `json:"create_time" db:"create_time"`
}

// DeviceGroup is a named, ordered membership of devices. Membership is read
// at target-resolution time, never snapshotted onto tasks.
type DeviceGroup struct {
	ID         int64     `json:"id" db:"id"`
	Name       string    `json:"name" db:"name"`
	CreateTime time.Time `json:"create_time" db:"create_time"`
}
