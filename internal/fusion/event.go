package fusion

// Event is the fusion engine's internal representation of one admitted
// envelope: the fields rules and predicates match against, plus the raw
// payload for field-path/expr predicates.
type Event struct {
	EventID     string
	DeviceID    string // source_id or resolved hostname
	Class       string
	TimestampNs int64
	Payload     []byte // opaque schema-tagged JSON
}
