package transfer

// Progress tracks completed versus total transfer units for one subscription.
// Total < 0 means the total is not yet known (a download whose size has not
// been reported). The engines scale per-record fractions onto Total = 100.
type Progress struct {
	Completed int64
	Total     int64
}

// Fraction returns the completion fraction clamped to [0, 1].
//
// When Total is zero and Completed is zero the fraction is 1: a zero-byte
// transfer is done the moment it starts. This is asymmetric with the general
// formula and is pinned as observable behavior by tests.
func (p Progress) Fraction() float64 {
	switch {
	case p.Total < 0:
		return 0
	case p.Total == 0:
		if p.Completed == 0 {
			return 1
		}

		return 0
	}

	f := float64(p.Completed) / float64(p.Total)
	if f < 0 {
		return 0
	}

	if f > 1 {
		return 1
	}

	return f
}
