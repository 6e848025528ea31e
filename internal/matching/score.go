// Package matching binds external orders and recurring definitions to
// transactions. Both matchers share Scorer and make their decisions in a fixed
// global order so that the same inputs always give the same bindings.
package matching

import (
	"strings"
	"time"
	"unicode"

	"github.com/agnivade/levenshtein"
	"github.com/shopspring/decimal"
)

const (
	weightAmount = 0.5
	weightDate   = 0.3
	weightText   = 0.2

	// amount within tolerance but not exact
	nearAmountScore = 0.8
)

// Scorer rates how well a candidate transaction fits a target record.
type Scorer struct {
	AmountTolerance decimal.Decimal
	DateWindowDays  int
}

// Breakdown is a score with its parts, for explaining a decision.
type Breakdown struct {
	Amount float64 `json:"amount"`
	Date   float64 `json:"date"`
	Text   float64 `json:"text"`
	Total  float64 `json:"total"`
}

// Eligible reports whether the candidate is within the amount tolerance and
// the date window at all.
func (s Scorer) Eligible(candAmount decimal.Decimal, candDate time.Time, targetAmount decimal.Decimal, targetDate time.Time) bool {
	return candAmount.Sub(targetAmount).Abs().LessThanOrEqual(s.AmountTolerance) &&
		daysApart(candDate, targetDate) <= s.DateWindowDays
}

// Score returns a confidence in [0,1]. Ineligible candidates score 0. When
// either text is empty the text weight is dropped and the rest renormalised.
func (s Scorer) Score(candAmount decimal.Decimal, candDate time.Time, targetAmount decimal.Decimal, targetDate time.Time, textA, textB string) Breakdown {
	if !s.Eligible(candAmount, candDate, targetAmount, targetDate) {
		return Breakdown{}
	}
	b := Breakdown{Amount: nearAmountScore, Date: s.dateScore(daysApart(candDate, targetDate))}
	if candAmount.Equal(targetAmount) {
		b.Amount = 1
	}

	a, t := normalize(textA), normalize(textB)
	if a == "" || t == "" {
		b.Total = (weightAmount*b.Amount + weightDate*b.Date) / (weightAmount + weightDate)
	} else {
		b.Text = textSimilarity(a, t)
		b.Total = weightAmount*b.Amount + weightDate*b.Date + weightText*b.Text
	}
	b.Total = round4(b.Total)
	return b
}

func (s Scorer) dateScore(days int) float64 {
	if s.DateWindowDays <= 0 {
		if days == 0 {
			return 1
		}
		return 0
	}
	return 1 - float64(days)/float64(s.DateWindowDays)
}

// textSimilarity is 1 when one text contains the other, otherwise the
// normalised levenshtein similarity.
func textSimilarity(a, b string) float64 {
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// normalize upper-cases and keeps letters and digits, collapsing the rest to
// single spaces.
func normalize(s string) string {
	fields := strings.FieldsFunc(strings.ToUpper(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}

func daysApart(a, b time.Time) int {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return int(d.Hours() / 24)
}

// round4 rounds to four decimal places.
func round4(f float64) float64 {
	return float64(int64(f*10000+0.5)) / 10000
}
