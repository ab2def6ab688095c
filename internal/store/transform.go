package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"commerce-pipeline/internal/record"
)

// EventToDocument builds the user-events document for a validated event.
// The body is the record as the producer sent it: fields record.Event does
// not declare are kept and absent optionals stay absent.
func EventToDocument(evt record.Event, raw json.RawMessage) Document {
	return Document{ID: evt.ID, Body: bytes.Clone(raw)}
}

// ProductToDocument builds the product-catalog document for a validated
// product from its raw record.
func ProductToDocument(p record.Product, raw json.RawMessage) Document {
	return Document{ID: p.ID, Body: bytes.Clone(raw)}
}

// withID returns body as a JSON object that carries id. Backends that key
// documents by a body field rather than by request metadata use it.
func withID(doc Document) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc.Body, &fields); err != nil {
		return nil, fmt.Errorf("document %s is not an object: %w", doc.ID, err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 1)
	}
	id, err := json.Marshal(doc.ID)
	if err != nil {
		return nil, err
	}
	fields["id"] = id
	return fields, nil
}
