package exchange

import (
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// num reads a numeric wire field. Missing, null, "NaN", infinities and
// unparsable strings all read as zero.
func num(r gjson.Result) float64 {
	var f float64
	switch r.Type {
	case gjson.Number:
		f = r.Float()
	case gjson.String:
		v, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err != nil {
			return 0
		}
		f = v
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
