package needset

import "sort"

// Rank sorts rows by descending need, the §4.5 output shape ("a ranked list
// of target fields and reason codes"). Zero-need rows (gate satisfied) sink
// to the bottom but are kept so callers can see every field's state.
func Rank(rows []NeedRow) []NeedRow {
	out := make([]NeedRow, len(rows))
	copy(out, rows)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Need > out[j].Need
	})
	return out
}
