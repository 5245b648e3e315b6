package storage

// KeyMode selects how records in a store are keyed.
type KeyMode int

const (
	// AutoKey stores assign a monotonic integer sequence on insert.
	AutoKey KeyMode = iota
	// NaturalKey stores are keyed by a caller-supplied string field.
	NaturalKey
)

// Store names. The DDL behind them lives in the embedded migrations; the
// definitions here are the engine-side registry used to validate calls and
// to map generic records onto indexed columns.
const (
	StoreMessages = "messages"
	StoreContacts = "contacts"
)

// Indexed field names for the messages store.
const (
	FieldTimestamp      = "timestamp"
	FieldCommID         = "comm_id"
	FieldConversationID = "conversation_id"
	FieldDisplayName    = "display_name"
)

// Index names per store. Compound indexes order by their fields in sequence.
const (
	IndexTimestamp             = "timestamp"
	IndexCommID                = "comm_id"
	IndexConversation          = "conversation_id"
	IndexConversationTimestamp = "conversation_timestamp"
	IndexDisplayName           = "display_name"
)

// Index describes a secondary lookup/ordering path over a store.
type Index struct {
	Name   string
	Fields []string
	Unique bool
}

// StoreDef describes one named store: its key mode and secondary indexes.
type StoreDef struct {
	Name     string
	Key      KeyMode
	KeyField string // natural-key column, empty for AutoKey stores
	Indexes  []Index
}

// storeDefs is the registry of every store the engine knows about. It must
// stay in sync with the embedded migrations: version 1 creates messages,
// version 2 adds contacts.
var storeDefs = map[string]StoreDef{
	StoreMessages: {
		Name: StoreMessages,
		Key:  AutoKey,
		Indexes: []Index{
			{Name: IndexTimestamp, Fields: []string{FieldTimestamp}},
			{Name: IndexCommID, Fields: []string{FieldCommID}, Unique: true},
			{Name: IndexConversation, Fields: []string{FieldConversationID}},
			{Name: IndexConversationTimestamp, Fields: []string{FieldConversationID, FieldTimestamp}},
		},
	},
	StoreContacts: {
		Name:     StoreContacts,
		Key:      NaturalKey,
		KeyField: "id",
		Indexes: []Index{
			{Name: IndexDisplayName, Fields: []string{FieldDisplayName}},
		},
	},
}

func storeDef(name string) (StoreDef, error) {
	def, ok := storeDefs[name]
	if !ok {
		return StoreDef{}, invalidCall("unknown store %q", name)
	}
	return def, nil
}

// keyColumn returns the primary key column name for the store.
func (d StoreDef) keyColumn() string {
	if d.Key == NaturalKey {
		return d.KeyField
	}
	return "seq"
}

// index looks up an index by name.
func (d StoreDef) index(name string) (Index, bool) {
	for _, idx := range d.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

// fieldColumns returns the distinct indexed column names for the store, in
// stable declaration order. These are the columns the engine materializes
// out of Record.Fields.
func (d StoreDef) fieldColumns() []string {
	var cols []string
	seen := map[string]bool{}
	for _, idx := range d.Indexes {
		for _, f := range idx.Fields {
			if !seen[f] {
				seen[f] = true
				cols = append(cols, f)
			}
		}
	}
	return cols
}

// Record is the engine's generic object representation. Domain types are
// mapped to and from it by the record codec; the engine itself never
// interprets Body.
type Record struct {
	// Seq is the engine-assigned key for AutoKey stores. Zero means
	// not yet persisted; Save fills it in.
	Seq int64
	// Key is the natural key for NaturalKey stores.
	Key string
	// Fields holds the indexed field values materialized into columns.
	Fields map[string]any
	// Body is the full serialized record.
	Body []byte
}
