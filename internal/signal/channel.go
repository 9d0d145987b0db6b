package signal

// Channel is the signaling boundary: point read, point write/merge, and
// change subscription on the per-conversation record.
//
// Writes are fire-and-forget; implementations log failures but do not retry.
// An in-flight call can therefore stay stuck in calling status until the
// caller's ring timeout resolves it; a documented limitation, not an error
// condition.
type Channel interface {
	// Read returns the current record for the conversation, if any.
	Read(conversationID string) (Record, bool)

	// Write replaces the conversation's record wholesale. Used exactly once
	// per attempt, by the caller, to overwrite the previous attempt's
	// terminal record.
	Write(conversationID string, rec Record)

	// Merge applies the non-nil patch fields to the current record.
	Merge(conversationID string, p Patch)

	// Subscribe registers fn for full-record snapshots. Delivery is
	// at-least-once and unordered; fn must be idempotent. The returned
	// cancel is safe to call more than once.
	Subscribe(conversationID string, fn func(Record)) (cancel func())
}
