// Defensive field validation/clamping performed right before a record
// leaves the process, in the spirit of a normalizer that runs immediately
// before serialization rather than at the point of construction.
package trace

import (
	"fmt"
	"time"

	log "github.com/cihub/seelog"
)

// MaxEntriesPerRecord bounds how many log entries a single flushed record
// may carry; beyond this a call is almost certainly runaway logging rather
// than a real trace, and we truncate instead of growing payloads without
// bound.
const MaxEntriesPerRecord = 10000

// Record is the ephemeral per-invocation trace record flushed by the
// interceptor in compress mode.
type Record struct {
	StartTime  float64
	DurationMS float64
	FuncID     int
	Entries    []Entry
}

// Normalize clamps a Record to sane bounds before it is serialized onto the
// wire. A malformed Record is never rejected outright — failure of the
// logging subsystem must never affect the instrumented program — so this
// only repairs, never errors.
func (r *Record) Normalize() {
	if r.StartTime <= 0 {
		log.Debugf("trace: record for func %d has no start_time, defaulting to now", r.FuncID)
		r.StartTime = float64(time.Now().UnixNano()) / float64(time.Second)
	}
	if r.DurationMS < 0 {
		log.Debugf("trace: record for func %d has negative duration %.2fms, clamping to 0", r.FuncID, r.DurationMS)
		r.DurationMS = 0
	}
	if len(r.Entries) > MaxEntriesPerRecord {
		log.Warnf("trace: record for func %d has %d entries, truncating to %d", r.FuncID, len(r.Entries), MaxEntriesPerRecord)
		r.Entries = r.Entries[:MaxEntriesPerRecord]
	}
}

// EntriesMeta returns the values that marshal to the `entries_json` wire
// shape: [[level, tpl_id], …].
func (r *Record) EntriesMeta() [][2]any {
	meta := make([][2]any, len(r.Entries))
	for i, e := range r.Entries {
		meta[i] = [2]any{e.Level, e.TplID}
	}
	return meta
}

// FlatValues returns the concatenation of all entries' values in order,
// matching the wire payload's `values_json` field.
func (r *Record) FlatValues() []any {
	var out []any
	for _, e := range r.Entries {
		out = append(out, e.Values...)
	}
	return out
}

// WireLine renders the compressed wire payload line:
// `<start_time> <app_id> <func_id> <duration> <entries_json> <values_json>`.
func (r *Record) WireLine(appID string, entriesJSON, valuesJSON string) string {
	return fmt.Sprintf("%.4f %s %d %.2f %s %s", r.StartTime, appID, r.FuncID, r.DurationMS, entriesJSON, valuesJSON)
}
