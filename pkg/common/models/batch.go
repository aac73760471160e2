package models

// Batch holds records of every kind produced from one or more submissions.
type Batch struct {
	Issues    []Issue    `json:"issues"`
	Checkouts []Checkout `json:"checkouts"`
	Builds    []Build    `json:"builds"`
	Tests     []Test     `json:"tests"`
	Incidents []Incident `json:"incidents"`
}

func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Issues) + len(b.Checkouts) + len(b.Builds) + len(b.Tests) + len(b.Incidents)
}

func (b *Batch) Empty() bool { return b.Len() == 0 }

// Append copies other's records onto b, keeping kind order.
func (b *Batch) Append(other *Batch) {
	if other == nil {
		return
	}
	b.Issues = append(b.Issues, other.Issues...)
	b.Checkouts = append(b.Checkouts, other.Checkouts...)
	b.Builds = append(b.Builds, other.Builds...)
	b.Tests = append(b.Tests, other.Tests...)
	b.Incidents = append(b.Incidents, other.Incidents...)
}

// Reset truncates every slice in place so the backing arrays are reused.
func (b *Batch) Reset() {
	b.Issues = b.Issues[:0]
	b.Checkouts = b.Checkouts[:0]
	b.Builds = b.Builds[:0]
	b.Tests = b.Tests[:0]
	b.Incidents = b.Incidents[:0]
}

// Counts returns the number of records per kind.
func (b *Batch) Counts() map[string]int {
	return map[string]int{
		KindIssue:    len(b.Issues),
		KindCheckout: len(b.Checkouts),
		KindBuild:    len(b.Builds),
		KindTest:     len(b.Tests),
		KindIncident: len(b.Incidents),
	}
}
