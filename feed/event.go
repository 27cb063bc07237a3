package feed

// Event is one immutable unit of streamed data derived from a new source row.
// RowID is the event identity: rowids come straight from the source table,
// are strictly ascending, and are never reused or re-emitted by the poller.
type Event struct {
	RowID  uint64         `msgpack:"rowid" json:"rowid"`
	Table  string         `msgpack:"tbl" json:"table"`
	Record map[string]any `msgpack:"rec" json:"record"`
}
