package model

// Attachment is a binary payload extracted from a groupware export message.
// ATTACH placeholders in the calendar part are resolved against these in
// message order.
type Attachment struct {
	// Filename from the Content-Disposition/Content-Type headers; empty
	// when the sender did not name the part.
	Filename    string
	ContentType string
	Data        []byte
}

// DiffSummary is the JSON-friendly outcome of comparing two calendar
// snapshots, keyed by event identity (record id, else UID).
type DiffSummary struct {
	Changed   []string `json:"changed"`
	Removed   []string `json:"removed"`
	Added     []string `json:"added"`
	Unchanged []string `json:"unchanged"`
}

// Empty reports whether the two snapshots had no structural difference.
func (d DiffSummary) Empty() bool {
	return len(d.Changed) == 0 && len(d.Removed) == 0 && len(d.Added) == 0
}
