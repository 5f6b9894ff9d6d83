package parse

import "strconv"

// trimFloat formats a float without a trailing ".0" for whole numbers, so
// JSON-LD numeric fields (e.g. weight: 60) read naturally as raw values.
func trimFloat(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
