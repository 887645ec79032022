package splinterdb

// Result is the payload a successful Lookup/Read returns: just the
// caller's bytes, with any tuple-header/message-kind bookkeeping
// already stripped (spec.md §6).
type Result struct {
	Value []byte
}
