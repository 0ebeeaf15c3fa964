package core

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestToNullTime(t *testing.T) {
	now := time.Now()
	nt := ToNullTime(now)
	assert.True(t, nt.Valid)
	assert.Equal(t, now, nt.Time)

	assert.False(t, ToNullTime(time.Time{}).Valid)
}

func TestFromNullTime(t *testing.T) {
	now := time.Now()
	assert.Equal(t, now, FromNullTime(sql.NullTime{Time: now, Valid: true}))
	assert.True(t, FromNullTime(sql.NullTime{}).IsZero())
}

func TestNullTimeToPtr(t *testing.T) {
	now := time.Now()
	ptr := NullTimeToPtr(sql.NullTime{Time: now, Valid: true})
	if assert.NotNil(t, ptr) {
		assert.Equal(t, now, *ptr)
	}
	assert.Nil(t, NullTimeToPtr(sql.NullTime{}))
}
