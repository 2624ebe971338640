package model

import (
	"bytes"
	"math"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

// Timestamp is a point in time encoded in JSON as fractional Unix seconds.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates t to microseconds so a record survives a JSON round trip unchanged.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.Truncate(time.Microsecond)}
}

// Seconds returns the Unix time in seconds.
func (t Timestamp) Seconds() float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixMicro()) / 1e6
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, t.Seconds(), 'f', 6, 64), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	secs, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return errors.Wrapf(err, "timestamp %q", data)
	}
	whole, frac := math.Modf(secs)
	micros := int64(math.Round(frac * 1e6))
	t.Time = time.Unix(int64(whole), micros*int64(time.Microsecond))
	return nil
}
