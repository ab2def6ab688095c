package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// FieldType is a mapping type in OpenSearch terms. Other backends derive
// their settings from it.
type FieldType string

const (
	Keyword FieldType = "keyword"
	Text    FieldType = "text"
	Date    FieldType = "date"
	Double  FieldType = "double"
	Integer FieldType = "integer"
	Boolean FieldType = "boolean"
	IP      FieldType = "ip"
	Object  FieldType = "object"
)

// Field is one mapped field. Object fields carry their sub-fields.
type Field struct {
	Name       string
	Type       FieldType
	Properties []Field
}

// Schema is the fixed field mapping of one index.
type Schema struct {
	Fields []Field
}

func object(name string, props ...Field) Field {
	return Field{Name: name, Type: Object, Properties: props}
}

func field(name string, typ FieldType) Field {
	return Field{Name: name, Type: typ}
}

// Schemas holds the mapping of every managed index.
var Schemas = map[string]Schema{
	IndexUserEvents: {Fields: []Field{
		field("id", Keyword),
		field("user_id", Keyword),
		field("session_id", Keyword),
		field("timestamp", Date),
		field("event_type", Keyword),
		field("product_id", Keyword),
		field("category", Keyword),
		field("price", Double),
		field("quantity", Integer),
		field("currency", Keyword),
		field("user_agent", Text),
		field("ip_address", IP),
		object("location",
			field("city", Keyword),
			field("state", Keyword),
			field("country", Keyword),
		),
		field("device_type", Keyword),
		field("referrer", Keyword),
		field("page_url", Keyword),
		field("revenue", Double),
		field("search_query", Text),
		field("search_results_count", Integer),
		field("rating", Integer),
		field("review_text", Text),
		field("payment_method", Keyword),
		field("discount_applied", Boolean),
		field("discount_amount", Double),
	}},
	IndexProductCatalog: {Fields: []Field{
		field("id", Keyword),
		field("name", Text),
		field("category", Keyword),
		field("subcategory", Keyword),
		field("price", Double),
		field("currency", Keyword),
		field("brand", Keyword),
		field("description", Text),
		field("tags", Keyword),
		field("stock_quantity", Integer),
		field("weight", Double),
		object("dimensions",
			field("length", Double),
			field("width", Double),
			field("height", Double),
		),
		field("rating", Double),
		field("review_count", Integer),
		field("created_at", Date),
		field("updated_at", Date),
		field("is_active", Boolean),
		field("image_url", Keyword),
	}},
}

// Has reports whether the schema maps a top-level field called name.
func (s Schema) Has(name string) bool {
	for _, fd := range s.Fields {
		if fd.Name == name {
			return true
		}
	}
	return false
}

// Mapping renders the schema as an OpenSearch "properties" object.
func (s Schema) Mapping() map[string]interface{} {
	return properties(s.Fields)
}

func properties(fields []Field) map[string]interface{} {
	props := make(map[string]interface{}, len(fields))
	for _, fd := range fields {
		if fd.Type == Object {
			props[fd.Name] = map[string]interface{}{"properties": properties(fd.Properties)}
			continue
		}
		props[fd.Name] = map[string]interface{}{"type": string(fd.Type)}
	}
	return props
}

// Attributes flattens the schema into dotted field paths grouped by how a
// search engine without typed mappings should treat them: text fields are
// searchable, exact-match fields are filterable, and dates and doubles are
// sortable. Each list is sorted.
func (s Schema) Attributes() (searchable, filterable, sortable []string) {
	var walk func(prefix string, fields []Field)
	walk = func(prefix string, fields []Field) {
		for _, fd := range fields {
			path := prefix + fd.Name
			switch fd.Type {
			case Object:
				walk(path+".", fd.Properties)
			case Text:
				searchable = append(searchable, path)
			case Keyword, Boolean, Integer, IP:
				filterable = append(filterable, path)
			case Date, Double:
				sortable = append(sortable, path)
			}
		}
	}
	walk("", s.Fields)
	sort.Strings(searchable)
	sort.Strings(filterable)
	sort.Strings(sortable)
	return searchable, filterable, sortable
}

// SchemaManager makes sure every managed index exists before the first
// write. After one successful run it is a no-op for the life of the
// process; a failed run is retried by the next caller.
type SchemaManager struct {
	store  DocumentStore
	logger *zap.Logger

	mu   sync.Mutex
	done bool
}

// NewSchemaManager creates a SchemaManager for store.
func NewSchemaManager(store DocumentStore, logger *zap.Logger) *SchemaManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SchemaManager{store: store, logger: logger}
}

// EnsureIndices creates any missing index. Concurrent callers wait for the
// run in progress.
func (m *SchemaManager) EnsureIndices(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return nil
	}

	names := make([]string, 0, len(Schemas))
	for name := range Schemas {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := m.store.EnsureIndex(ctx, name, Schemas[name]); err != nil {
			return fmt.Errorf("ensure index %s: %w", name, err)
		}
		m.logger.Debug("index ready", zap.String("index", name), zap.String("backend", m.store.Name()))
	}
	m.done = true
	return nil
}
