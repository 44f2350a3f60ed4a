// Package pricing computes package quotes: subtotal, tiered discount, processing fee and total.
// All amounts are integer cents.
package pricing

import (
	"fmt"
	"math"
)

const (
	// ProcessingFeeBasisPoints is the processing fee (3%) applied to the post-discount amount.
	ProcessingFeeBasisPoints = 300

	tenHourTier = 10
	sixHourTier = 6
)

// Quote is a derived price breakdown. It is never stored; recompute it when the package or rate changes.
type Quote struct {
	Hours         int   `json:"hours"`
	HourlyRate    int64 `json:"hourlyRate"`
	Subtotal      int64 `json:"subtotal"`
	DiscountBasis int   `json:"discountBasisPoints"`
	Discount      int64 `json:"discount"`
	ProcessingFee int64 `json:"processingFee"`
	Total         int64 `json:"total"`
}

// DiscountBasisPoints returns the discount tier for hours in basis points. Tiers are inclusive:
// 10 hours or more earns 10%, 6 or more earns 5%.
func DiscountBasisPoints(hours int) int {
	switch {
	case hours >= tenHourTier:
		return 1000
	case hours >= sixHourTier:
		return 500
	default:
		return 0
	}
}

// DiscountRate is DiscountBasisPoints as a fraction.
func DiscountRate(hours int) float64 {
	return float64(DiscountBasisPoints(hours)) / 10000
}

// Compute returns the quote for hours at hourlyRateCents.
func Compute(hourlyRateCents int64, hours int) (Quote, error) {
	if hourlyRateCents <= 0 {
		return Quote{}, fmt.Errorf("hourly rate must be positive, got %d", hourlyRateCents)
	}
	if hours < 1 {
		return Quote{}, fmt.Errorf("hours must be at least 1, got %d", hours)
	}

	q := Quote{
		Hours:         hours,
		HourlyRate:    hourlyRateCents,
		Subtotal:      hourlyRateCents * int64(hours),
		DiscountBasis: DiscountBasisPoints(hours),
	}
	q.Discount = applyBasisPoints(q.Subtotal, q.DiscountBasis)
	q.ProcessingFee = applyBasisPoints(q.Subtotal-q.Discount, ProcessingFeeBasisPoints)
	q.Total = q.Subtotal - q.Discount + q.ProcessingFee
	return q, nil
}

// applyBasisPoints returns amount*bp/10000 rounded half-up.
func applyBasisPoints(amount int64, bp int) int64 {
	return (amount*int64(bp) + 5000) / 10000
}

// Installment is one payment of an installment preview.
type Installment struct {
	Number int   `json:"number"`
	Amount int64 `json:"amount"`
}

// Installments splits the total into n payments. The cents remainder goes on the first payment.
func (q Quote) Installments(n int) ([]Installment, error) {
	if n < 1 {
		return nil, fmt.Errorf("installment count must be at least 1, got %d", n)
	}
	base := q.Total / int64(n)
	rem := q.Total % int64(n)

	out := make([]Installment, n)
	for i := range out {
		out[i] = Installment{Number: i + 1, Amount: base}
	}
	out[0].Amount += rem
	return out, nil
}

// PreviewCounts are the installment plans offered at checkout.
var PreviewCounts = []int{1, 2, 4}

// Previews returns the installment plans for each of PreviewCounts keyed by count.
func (q Quote) Previews() map[int][]Installment {
	out := make(map[int][]Installment, len(PreviewCounts))
	for _, n := range PreviewCounts {
		plan, _ := q.Installments(n)
		out[n] = plan
	}
	return out
}

// CentsFromDollars converts a backend dollar amount (hourlyRate is published as a decimal) to cents.
func CentsFromDollars(dollars float64) int64 {
	return int64(math.Round(dollars * 100))
}

// FormatCents renders cents as "$741.60".
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}

// Share prices hours of lessons at the quote's rate and discount tier. Bookings created under a package
// carry their share of the package price.
func (q Quote) Share(hours float64) Quote {
	out := Quote{
		Hours:         int(math.Ceil(hours)),
		HourlyRate:    q.HourlyRate,
		Subtotal:      int64(math.Round(float64(q.HourlyRate) * hours)),
		DiscountBasis: q.DiscountBasis,
	}
	out.Discount = applyBasisPoints(out.Subtotal, out.DiscountBasis)
	out.ProcessingFee = applyBasisPoints(out.Subtotal-out.Discount, ProcessingFeeBasisPoints)
	out.Total = out.Subtotal - out.Discount + out.ProcessingFee
	return out
}
