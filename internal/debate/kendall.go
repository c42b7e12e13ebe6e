package debate

// KendallW computes Kendall's coefficient of concordance from a K x N
// ranking matrix (rankings[validator][proposal], ranks 1..N). It is a
// monitoring signal for inter-rater agreement, not a gate: 1 means the
// panel ranked identically, 0 means no agreement beyond chance.
func KendallW(rankings [][]int) float64 {
	k := len(rankings)
	if k == 0 {
		return 0
	}
	n := len(rankings[0])
	if n < 2 {
		return 1
	}

	// Column sums of ranks per proposal.
	sums := make([]float64, n)
	for _, row := range rankings {
		if len(row) != n {
			return 0
		}
		for j, r := range row {
			sums[j] += float64(r)
		}
	}

	mean := 0.0
	for _, s := range sums {
		mean += s
	}
	mean /= float64(n)

	ss := 0.0
	for _, s := range sums {
		d := s - mean
		ss += d * d
	}

	// W = 12*S / (K^2 * (N^3 - N)), no tie correction: rankings here are
	// dense permutations by construction.
	kf, nf := float64(k), float64(n)
	denom := kf * kf * (nf*nf*nf - nf)
	if denom == 0 {
		return 0
	}
	return 12 * ss / denom
}
