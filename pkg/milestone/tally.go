package milestone

// Outcome is the aggregated result of a milestone's votes.
type Outcome struct {
	Decided  bool
	Approved bool
}

// Tally decides a milestone from its counts. Approvals and rejections race
// against the same threshold; approval is checked first, so it wins only if
// both counts could reach the threshold at once, which serialized voting
// never produces.
func Tally(approvals, rejections, required int) Outcome {
	switch {
	case required <= 0:
		return Outcome{}
	case approvals >= required:
		return Outcome{Decided: true, Approved: true}
	case rejections >= required:
		return Outcome{Decided: true}
	default:
		return Outcome{}
	}
}

// ProofStatus maps the outcome onto the proof's review status.
func (o Outcome) ProofStatus() ProofStatus {
	switch {
	case !o.Decided:
		return ProofUnderReview
	case o.Approved:
		return ProofVerified
	default:
		return ProofRejected
	}
}
