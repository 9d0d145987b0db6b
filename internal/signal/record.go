// Package signal implements the shared-record signaling channel two endpoints
// use to negotiate a call. Each conversation owns ONE mutable record that is
// overwritten per call attempt; subscribers observe full snapshots of it,
// at-least-once and not necessarily in write order. All consumers must
// therefore guard remote-triggered transitions with apply-once markers.
package signal

// Status is the lifecycle field of a call record. There is no explicit idle
// value: absence of a record, or a terminal status, means no live call.
type Status string

const (
	StatusCalling Status = "calling"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
	StatusMissed  Status = "missed"
)

// Terminal reports whether the status can never be left again.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusMissed
}

// Record is the per-conversation shared call record.
//
// Within one attempt offer transitions nil→set at most once, answer nil→set
// at most once and never before offer, and status moves monotonically along
// calling→active→ended or calling→missed. The record is overwritten wholesale
// when the next attempt starts.
type Record struct {
	CallerID   string  `json:"caller_id"`
	CallerName string  `json:"caller_name"`
	Status     Status  `json:"status"`
	Offer      *string `json:"offer,omitempty"`
	Answer     *string `json:"answer,omitempty"`
	StartedAt  int64   `json:"started_at"` // unix milliseconds
}

// Clone returns a deep copy so snapshots handed to subscribers cannot alias
// the channel's internal state.
func (r Record) Clone() Record {
	out := r
	if r.Offer != nil {
		v := *r.Offer
		out.Offer = &v
	}
	if r.Answer != nil {
		v := *r.Answer
		out.Answer = &v
	}
	return out
}

// Patch is a partial record update. Nil fields are left untouched by Merge,
// so a late offer write never clobbers a status the other side set meanwhile.
type Patch struct {
	CallerID   *string
	CallerName *string
	Status     *Status
	Offer      *string
	Answer     *string
	StartedAt  *int64
}

// Apply merges the non-nil patch fields into a copy of r.
func (r Record) Apply(p Patch) Record {
	out := r.Clone()
	if p.CallerID != nil {
		out.CallerID = *p.CallerID
	}
	if p.CallerName != nil {
		out.CallerName = *p.CallerName
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.Offer != nil {
		v := *p.Offer
		out.Offer = &v
	}
	if p.Answer != nil {
		v := *p.Answer
		out.Answer = &v
	}
	if p.StartedAt != nil {
		out.StartedAt = *p.StartedAt
	}
	return out
}
