package receipt

import (
	"math"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/zombor/spendsight/internal/failure"
)

// ToCanonicalRecord validates a candidate and maps it to a storable Receipt
// owned by userID. The ID and CreatedAt are left for the store to assign.
// Item prices are carried over as received.
func ToCanonicalRecord(candidate *Candidate, userID string) (*Receipt, error) {
	const op = "mapping receipt"

	if candidate == nil {
		return nil, failure.Newf(failure.InvalidRequest, op, "candidate is required")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, failure.Newf(failure.AuthError, op, "user is required")
	}

	total, err := candidate.Total.Decimal()
	if err != nil {
		return nil, failure.New(failure.InvalidAmount, op, err)
	}
	totalAmount := total.InexactFloat64()
	if math.IsInf(totalAmount, 0) || math.IsNaN(totalAmount) {
		return nil, failure.Newf(failure.InvalidAmount, op, "total %s is out of range", candidate.Total.String())
	}

	date, err := parseDate(candidate.Date)
	if err != nil {
		return nil, failure.New(failure.InvalidDate, op, err)
	}

	items := make([]Item, len(candidate.Items))
	copy(items, candidate.Items)

	return &Receipt{
		UserID:      userID,
		Merchant:    candidate.Location,
		Date:        date,
		TotalAmount: totalAmount,
		Items:       items,
	}, nil
}

// parseDate accepts the formats dateparse recognises (ISO dates and
// datetimes, US slash dates, month names, unix seconds) and returns UTC.
func parseDate(text string) (time.Time, error) {
	t, err := dateparse.ParseIn(strings.TrimSpace(text), time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
