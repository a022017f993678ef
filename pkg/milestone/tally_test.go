package milestone

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTally(t *testing.T) {
	cases := []struct {
		name                           string
		approvals, rejections, required int
		want                           Outcome
		status                         ProofStatus
	}{
		{"no votes", 0, 0, 2, Outcome{}, ProofUnderReview},
		{"below threshold", 1, 1, 2, Outcome{}, ProofUnderReview},
		{"approved", 2, 0, 2, Outcome{Decided: true, Approved: true}, ProofVerified},
		{"approved with dissent", 2, 1, 2, Outcome{Decided: true, Approved: true}, ProofVerified},
		{"rejected", 0, 2, 2, Outcome{Decided: true}, ProofRejected},
		{"rejected with support", 1, 3, 3, Outcome{Decided: true}, ProofRejected},
		{"single verifier", 1, 0, 1, Outcome{Decided: true, Approved: true}, ProofVerified},
		{"zero threshold never decides", 5, 5, 0, Outcome{}, ProofUnderReview},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Tally(tc.approvals, tc.rejections, tc.required)
			require.Equal(t, tc.want, got)
			require.Equal(t, tc.status, got.ProofStatus())
		})
	}
}

func TestTallyDeterministic(t *testing.T) {
	for a := 0; a < 6; a++ {
		for r := 0; r < 6; r++ {
			first := Tally(a, r, 3)
			for i := 0; i < 3; i++ {
				require.Equal(t, first, Tally(a, r, 3))
			}
		}
	}
}
