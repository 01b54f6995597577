package usecase

const (
	progressNotStarted = -1
	progressComplete   = 100

	// metadataBudget is the share of global progress spent on the metadata download.
	metadataBudget = 8
	// parseCost is charged once the metadata has been parsed and once the record is built.
	parseCost = 1
)

// phase maps the 0-100 progress of one sub-download onto a slice of the global 0-100 range.
type phase struct {
	start  int
	budget int
}

func metadataPhase(current int) phase {
	return newPhase(current, metadataBudget)
}

// imagePhase spends whatever is left up to 99, leaving the final point for record construction.
func imagePhase(current int) phase {
	return newPhase(current, progressComplete-parseCost-current)
}

func newPhase(start, budget int) phase {
	if start < 0 {
		start = 0
	}
	if start > progressComplete {
		start = progressComplete
	}
	if budget < 0 {
		budget = 0
	}
	if start+budget > progressComplete {
		budget = progressComplete - start
	}
	return phase{start: start, budget: budget}
}

// absolute converts sub into global progress: start + floor(budget*sub/100).
func (p phase) absolute(sub int) int {
	if sub < 0 {
		sub = 0
	}
	if sub > progressComplete {
		sub = progressComplete
	}
	return p.start + p.budget*sub/progressComplete
}

// end is the global progress reached when the sub-download reports 100.
func (p phase) end() int {
	return p.start + p.budget
}
