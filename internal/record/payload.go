package record

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed marks a record or payload that is not valid JSON of the
	// expected shape.
	ErrMalformed = errors.New("malformed record")
	// ErrInvalid marks a record that decoded but failed validation.
	ErrInvalid = errors.New("invalid record")
)

// Payload is one unit of work on the write path: any mix of events and
// products, plus the payload itself when it is a single flattened event.
// Records stay raw so that one bad record cannot fail its siblings.
type Payload struct {
	Events   []json.RawMessage
	Products []json.RawMessage
}

// Len returns the number of records carried by the payload.
func (p Payload) Len() int {
	return len(p.Events) + len(p.Products)
}

// DecodePayload splits a write-path body into raw records. A body with a
// top-level event_type is itself an event; it may also carry events and
// products lists, in which case all of them are processed.
func DecodePayload(data []byte) (Payload, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return Payload{}, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}

	var p Payload
	if raw, ok := top["events"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &p.Events); err != nil {
			return Payload{}, fmt.Errorf("%w: events: %v", ErrMalformed, err)
		}
	}
	if raw, ok := top["products"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &p.Products); err != nil {
			return Payload{}, fmt.Errorf("%w: products: %v", ErrMalformed, err)
		}
	}
	if _, ok := top["event_type"]; ok {
		p.Events = append(p.Events, json.RawMessage(data))
	}
	return p, nil
}

// DecodeEvent decodes and validates one raw event.
func DecodeEvent(raw json.RawMessage) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := e.Validate(); err != nil {
		return e, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return e, nil
}

// DecodeProduct decodes and validates one raw product.
func DecodeProduct(raw json.RawMessage) (Product, error) {
	var p Product
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return p, nil
}

// PeekID pulls the id out of a raw record for error reporting. It returns
// "" when the record is not an object or has no string id.
func PeekID(raw json.RawMessage) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.ID
}

func isNull(raw json.RawMessage) bool {
	return string(raw) == "null"
}
