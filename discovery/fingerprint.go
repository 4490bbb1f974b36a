package discovery

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Fingerprint is a cheap structural summary of the remote form: how many
// tabs it has and how many entry fields each tab carries. Comparing
// fingerprints detects form redesigns without a full discovery pass.
type Fingerprint struct {
	TabsFound          int    `json:"tabs_found"`
	TotalFieldEstimate int    `json:"total_field_estimate"`
	FieldCountsPerTab  []int  `json:"field_counts_per_tab"`
	FormHash           string `json:"form_hash"`
}

// NewFingerprint builds a Fingerprint from per-tab field counts.
func NewFingerprint(counts []int) Fingerprint {
	total := 0
	for _, n := range counts {
		total += n
	}
	return Fingerprint{
		TabsFound:          len(counts),
		TotalFieldEstimate: total,
		FieldCountsPerTab:  counts,
		FormHash:           hashCounts(counts),
	}
}

func hashCounts(counts []int) string {
	var b strings.Builder
	for i, n := range counts {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", n)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%x", sum)[:16]
}

// Matches reports whether current is structurally close enough to old for
// old's cached selectors to still be trusted. Tolerances are asymmetric by
// design of the form: individual sections gain or lose a few fields month to
// month, but a tab appearing or vanishing means a redesign.
//
// Rules: tab count must match exactly; each tab may drift by up to
// max(5, 15% of its old count); the total may drift by up to 10%.
// The second return value names the first rule violated, for logging.
func (old Fingerprint) Matches(current Fingerprint) (bool, string) {
	if old.TabsFound != current.TabsFound {
		return false, fmt.Sprintf("tab count changed: %d -> %d", old.TabsFound, current.TabsFound)
	}

	for i, was := range old.FieldCountsPerTab {
		if i >= len(current.FieldCountsPerTab) {
			return false, fmt.Sprintf("tab %d missing from current fingerprint", i+1)
		}
		now := current.FieldCountsPerTab[i]
		allowed := max(5, (was*15+99)/100)
		if abs(now-was) > allowed {
			return false, fmt.Sprintf("tab %d drifted: %d -> %d (allowed %d)", i+1, was, now, allowed)
		}
	}

	totalAllowed := (old.TotalFieldEstimate*10 + 99) / 100
	if abs(current.TotalFieldEstimate-old.TotalFieldEstimate) > totalAllowed {
		return false, fmt.Sprintf("total drifted: %d -> %d (allowed %d)",
			old.TotalFieldEstimate, current.TotalFieldEstimate, totalAllowed)
	}
	return true, ""
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
