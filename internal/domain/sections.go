package domain

// SectionKind labels a run of same-outcome progress events.
type SectionKind string

// Section kinds.
const (
	SectionSuccess SectionKind = "success"
	SectionError   SectionKind = "error"
)

// Section is a run of consecutive progress events with the same outcome.
type Section struct {
	Kind  SectionKind `json:"kind"`
	Count int64       `json:"count"`
}

// BuildSections run-length encodes progress events in insertion order.
// Status-transition events (no counts) are skipped. An event carrying both
// counts contributes its errors before its successes.
func BuildSections(events []ProgressEvent) []Section {
	sections := []Section{}
	add := func(kind SectionKind, n int64) {
		if n <= 0 {
			return
		}
		if last := len(sections) - 1; last >= 0 && sections[last].Kind == kind {
			sections[last].Count += n
			return
		}
		sections = append(sections, Section{Kind: kind, Count: n})
	}
	for _, ev := range events {
		add(SectionError, ev.ErrorCount)
		add(SectionSuccess, ev.SuccessCount)
	}
	return sections
}
