package core

import (
	"database/sql"
	"time"
)

// SQL helpers for nullable timestamp columns (updated_at on fresh rows,
// deleted_at everywhere).

// ToNullTime converts a time.Time to sql.NullTime.
// Zero time values result in a NULL value.
func ToNullTime(t time.Time) sql.NullTime {
	return sql.NullTime{
		Time:  t,
		Valid: !t.IsZero(),
	}
}

// FromNullTime extracts the time.Time value from sql.NullTime.
// Returns zero time if NULL.
func FromNullTime(nt sql.NullTime) time.Time {
	if nt.Valid {
		return nt.Time
	}
	return time.Time{}
}

// NullTimeToPtr converts sql.NullTime to *time.Time.
func NullTimeToPtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		return &nt.Time
	}
	return nil
}
