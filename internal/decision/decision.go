// Package decision computes whether a kit is complete.
package decision

import (
	"strings"

	"github.com/aflt-toolscan/kit-verifier/pkg/types"
)

// Decide reports the kit complete iff every expected class is present in
// the snapshot with a probability strictly above threshold. Missing classes
// are listed in inventory order.
func Decide(s types.Snapshot, inv types.Inventory, threshold float64) types.CompletionDecision {
	d := types.CompletionDecision{Missing: []types.ToolClass{}}
	for _, class := range inv.Classes() {
		p, ok := s.Probability(class)
		if !ok || !(p > threshold) {
			d.Missing = append(d.Missing, class)
		}
	}
	d.Complete = len(d.Missing) == 0
	return d
}

// Recognized counts expected classes passing the threshold
func Recognized(d types.CompletionDecision, inv types.Inventory) int {
	return inv.Len() - len(d.Missing)
}

// MissingNames renders the missing tools by name for operator hints.
func MissingNames(d types.CompletionDecision, inv types.Inventory) string {
	names := make([]string, 0, len(d.Missing))
	for _, class := range d.Missing {
		if spec, ok := inv.Spec(class); ok && spec.Name != "" {
			names = append(names, spec.Name)
			continue
		}
		names = append(names, string(class))
	}
	return strings.Join(names, ", ")
}
