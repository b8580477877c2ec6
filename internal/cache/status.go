package cache

import "time"

// Status is the freshness state of a cached entry.
type Status int

const (
	// StatusValid entries may be served without revalidation.
	StatusValid Status = iota
	// StatusStale entries require revalidation but remain usable for a
	// conditional request.
	StatusStale
	// StatusExpired entries are past expiry with no validator to
	// revalidate against.
	StatusExpired
	// StatusInvalid means no entry exists.
	StatusInvalid
	// StatusError marks an entry the store failed to materialize.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusStale:
		return "stale"
	case StatusExpired:
		return "expired"
	case StatusInvalid:
		return "invalid"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// StatusAt derives the freshness state of metadata at a given instant.
// NoStore/NoCache always require revalidation. Past expiry, a validator
// keeps the entry usable for a conditional request; without one it is dead
// weight. A zero expiry means the entry does not expire.
func StatusAt(m *Metadata, now time.Time) Status {
	if m == nil {
		return StatusInvalid
	}
	if m.Policy == NoStore || m.Policy == NoCache {
		return StatusStale
	}
	if !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt) {
		if m.Validator != nil {
			return StatusStale
		}
		return StatusExpired
	}
	return StatusValid
}

// Usable reports whether metadata may still be returned from Get: anything
// except expired-without-validator.
func Usable(m *Metadata, now time.Time) bool {
	return StatusAt(m, now) != StatusExpired
}
