package receipt

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/zombor/spendsight/internal/failure"
)

// candidateJSON is the wire shape of a candidate. Some models answer with
// "machcat" instead of "merchantCode".
type candidateJSON struct {
	Items        []Item  `json:"items"`
	Location     string  `json:"location"`
	Summary      string  `json:"summary"`
	MerchantCode *string `json:"merchantCode"`
	Machcat      *string `json:"machcat"`
	Total        Amount  `json:"total"`
	Date         string  `json:"date"`
}

// ParseCandidate strictly parses normalized AI output into a Candidate.
// Any syntax error yields a MalformedResponse failure carrying the text verbatim.
func ParseCandidate(candidateText string) (*Candidate, error) {
	const op = "parsing candidate"

	trimmed := strings.TrimSpace(candidateText)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, &failure.Error{
			Kind:    failure.MalformedResponse,
			Op:      op,
			Message: "response is not a JSON object",
			RawText: candidateText,
		}
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
	var wire candidateJSON
	if err := dec.Decode(&wire); err != nil {
		return nil, &failure.Error{Kind: failure.MalformedResponse, Op: op, RawText: candidateText, Err: err}
	}
	if dec.More() {
		return nil, &failure.Error{
			Kind:    failure.MalformedResponse,
			Op:      op,
			Message: "unexpected data after JSON object",
			RawText: candidateText,
		}
	}

	c := &Candidate{
		Items:    wire.Items,
		Location: wire.Location,
		Summary:  wire.Summary,
		Total:    wire.Total,
		Date:     wire.Date,
	}
	if c.Items == nil {
		c.Items = []Item{}
	}
	switch {
	case wire.MerchantCode != nil:
		c.MerchantCode = *wire.MerchantCode
	case wire.Machcat != nil:
		c.MerchantCode = *wire.Machcat
	}
	return c, nil
}
