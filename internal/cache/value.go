package cache

import (
	"encoding/json"
	"time"
)

// Kind tags the shape of a decoded Redis value.
type Kind int

const (
	KindString Kind = iota + 1
	KindHash
	KindSet
	KindSortedSet
	KindList
	// KindUnsupported is a key whose type the caller chose not to decode.
	KindUnsupported
	// KindError is a key that could not be read.
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindHash:
		return "hash"
	case KindSet:
		return "set"
	case KindSortedSet:
		return "zset"
	case KindList:
		return "list"
	case KindUnsupported:
		return "unsupported"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// ScoredMember is one entry of a sorted set.
type ScoredMember struct {
	Member string  `json:"member"`
	Score  float64 `json:"score"`
}

// Value is a Redis value decoded once at the lookup boundary. Only the
// field matching Kind is set; Type keeps the name Redis reported.
type Value struct {
	Kind   Kind
	Type   string
	Text   string
	Fields map[string]string
	Items  []string
	Scored []ScoredMember
}

// MarshalJSON renders only the payload: a string, an object, or an array.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindString:
		return json.Marshal(v.Text)
	case KindHash:
		if v.Fields == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.Fields)
	case KindSet, KindList:
		if v.Items == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.Items)
	case KindSortedSet:
		if v.Scored == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.Scored)
	case KindUnsupported:
		return json.Marshal("unsupported type: " + v.Type)
	case KindError:
		return json.Marshal("error: " + v.Text)
	default:
		return []byte("null"), nil
	}
}

// Entry is a single looked-up key.
type Entry struct {
	Key   string
	Value Value
	// TTL is the remaining lifetime, or the Redis sentinels -1 (no expiry)
	// and -2 (gone) as nanosecond values.
	TTL time.Duration
}

// TTLSeconds reports the TTL the way Redis TTL does.
func (e Entry) TTLSeconds() int64 {
	if e.TTL < 0 {
		return int64(e.TTL)
	}
	return int64(e.TTL / time.Second)
}

// PatternResult is the capped outcome of a pattern lookup.
type PatternResult struct {
	Pattern string
	Values  map[string]Value
	// Truncated is set when the scan stopped at the cap.
	Truncated bool
}

// Count is the number of returned keys, not the number of matching keys.
func (r PatternResult) Count() int {
	return len(r.Values)
}
