package voting

import (
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// averagePlaces is the precision of a story's final score.
	averagePlaces = 1
	// MaxCardValueLength bounds a card in runes, which also bounds the
	// magnitude of any numeric card.
	MaxCardValueLength = 10
)

type Tally struct {
	// Average is nil when no vote is numeric.
	Average     *decimal.Decimal
	IsConsensus bool
}

// ParseNumericCard reports whether a card value is a plain decimal such as
// "5", "0.5", "-1" or "13". Only an optional sign, digits and one point are
// accepted; exponents like "1e3" and sentinels like "?" or "☕" are not
// numeric.
func ParseNumericCard(cardValue string) (decimal.Decimal, bool) {
	v := strings.TrimSpace(cardValue)
	if !isPlainDecimal(v) {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// TallyCards averages the numeric cards with half-to-even rounding and
// reports consensus when exactly one distinct numeric value was played.
func TallyCards(cardValues []string) Tally {
	var numeric []decimal.Decimal
	for _, v := range cardValues {
		if d, ok := ParseNumericCard(v); ok {
			numeric = append(numeric, d)
		}
	}
	if len(numeric) == 0 {
		return Tally{}
	}

	sum := decimal.Zero
	consensus := true
	for _, d := range numeric {
		sum = sum.Add(d)
		if !d.Equal(numeric[0]) {
			consensus = false
		}
	}
	avg := sum.Div(decimal.NewFromInt(int64(len(numeric)))).RoundBank(averagePlaces)
	return Tally{Average: &avg, IsConsensus: consensus}
}

func isPlainDecimal(v string) bool {
	if len(v) > MaxCardValueLength {
		return false
	}
	if v != "" && (v[0] == '-' || v[0] == '+') {
		v = v[1:]
	}
	digits, points := 0, 0
	for i := 0; i < len(v); i++ {
		switch c := v[i]; {
		case c >= '0' && c <= '9':
			digits++
		case c == '.':
			points++
		default:
			return false
		}
	}
	return digits > 0 && points <= 1
}
