package cachestore

import (
	"encoding/binary"
	"errors"
	"time"
)

const headerSize = 16

var errShortEnvelope = errors.New("cachestore: truncated entry")

// seal prefixes data with its save stamp and expiry (unix nanos, 0 = never).
func seal(data []byte, now time.Time, ttl time.Duration) []byte {
	out := make([]byte, headerSize+len(data))
	binary.BigEndian.PutUint64(out[0:8], uint64(now.UnixNano()))
	var expires int64
	if ttl > 0 {
		expires = now.Add(ttl).UnixNano()
	}
	binary.BigEndian.PutUint64(out[8:16], uint64(expires))
	copy(out[headerSize:], data)
	return out
}

// open splits a sealed entry.
func open(raw []byte) (stamp, expires int64, data []byte, err error) {
	if len(raw) < headerSize {
		return 0, 0, nil, errShortEnvelope
	}
	stamp = int64(binary.BigEndian.Uint64(raw[0:8]))
	expires = int64(binary.BigEndian.Uint64(raw[8:16]))
	return stamp, expires, raw[headerSize:], nil
}

// fresh applies the shared freshness rule: not expired and saved no earlier
// than the source was modified.
func fresh(stamp, expires, sourceMTime int64, now time.Time) bool {
	if expires != 0 && now.UnixNano() >= expires {
		return false
	}
	return stamp >= sourceMTime
}
