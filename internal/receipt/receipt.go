package receipt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// Receipt is the persisted, validated record of a purchase
type Receipt struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Merchant    string    `json:"merchant"`
	Date        time.Time `json:"date"`
	TotalAmount float64   `json:"total_amount"`
	Items       []Item    `json:"items"`
	CreatedAt   time.Time `json:"created_at"`
}

// Item is a single purchased line. Price keeps the representation the AI
// returned (string or number).
type Item struct {
	Name  string `json:"name"`
	Price Amount `json:"price"`
}

// Candidate is the untrusted structure parsed directly from an AI response.
// No numeric or date coercion has happened yet.
type Candidate struct {
	Items        []Item `json:"items"`
	Location     string `json:"location"`
	Summary      string `json:"summary"`
	MerchantCode string `json:"merchantCode,omitempty"`
	Total        Amount `json:"total"`
	Date         string `json:"date"`
}

// RawCapture is an image selected for upload. It is dropped once the upload
// succeeds or the capture is abandoned.
type RawCapture struct {
	Filename    string
	ContentType string
	Data        []byte
	CapturedAt  time.Time
}

// Amount is a money value exactly as it appeared in JSON: either a string
// like "$3.00" or a bare number like 3. The raw encoding round-trips.
type Amount struct {
	raw json.RawMessage
}

// TextAmount builds an Amount that encodes as a JSON string
func TextAmount(s string) Amount {
	b, _ := json.Marshal(s)
	return Amount{raw: b}
}

// NumericAmount builds an Amount that encodes as a JSON number
func NumericAmount(d decimal.Decimal) Amount {
	return Amount{raw: json.RawMessage(d.String())}
}

// MarshalJSON writes the preserved raw value
func (a Amount) MarshalJSON() ([]byte, error) {
	if len(a.raw) == 0 {
		return []byte("null"), nil
	}
	return a.raw, nil
}

// UnmarshalJSON accepts strings, numbers and null
func (a *Amount) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty amount")
	}
	switch trimmed[0] {
	case '{', '[':
		return fmt.Errorf("amount must be a string or number, got %s", trimmed)
	case 't', 'f':
		return fmt.Errorf("amount must be a string or number, got %s", trimmed)
	}
	if bytes.Equal(trimmed, []byte("null")) {
		a.raw = nil
		return nil
	}
	a.raw = append(json.RawMessage(nil), trimmed...)
	return nil
}

// IsZero reports whether the amount was absent or null
func (a Amount) IsZero() bool {
	return len(a.raw) == 0
}

// IsNumber reports whether the amount was a bare JSON number
func (a Amount) IsNumber() bool {
	return len(a.raw) > 0 && a.raw[0] != '"'
}

// String returns the text form: the string contents or the number literal
func (a Amount) String() string {
	if len(a.raw) == 0 {
		return ""
	}
	if a.raw[0] == '"' {
		var s string
		if err := json.Unmarshal(a.raw, &s); err != nil {
			return string(a.raw)
		}
		return s
	}
	return string(a.raw)
}

// Decimal coerces the amount to a number. Numbers are used as-is, text has
// currency symbols, codes and thousands separators stripped first.
func (a Amount) Decimal() (decimal.Decimal, error) {
	if len(a.raw) == 0 {
		return decimal.Zero, fmt.Errorf("amount is missing")
	}
	if a.IsNumber() {
		d, err := decimal.NewFromString(string(a.raw))
		if err != nil {
			return decimal.Zero, fmt.Errorf("parsing number %s: %w", a.raw, err)
		}
		return d, nil
	}
	return parseMoney(a.String())
}

// parseMoney strips currency decoration from text such as "$1,234.50",
// "12.50 USD", "€3,99" or "1.234,56" and parses what remains. When both
// separators appear the later one is the decimal point. Exponents are not
// money and are rejected.
func parseMoney(text string) (decimal.Decimal, error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(text) {
		if unicode.Is(unicode.Sc, r) || unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	cleaned := strings.TrimFunc(b.String(), unicode.IsLetter)

	if !plainNumber.MatchString(cleaned) {
		return decimal.Zero, fmt.Errorf("%q is not a number", text)
	}

	dot, comma := strings.LastIndexByte(cleaned, '.'), strings.LastIndexByte(cleaned, ',')
	switch {
	case dot >= 0 && comma >= 0 && comma > dot:
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.Replace(cleaned, ",", ".", 1)
	case dot < 0 && strings.Count(cleaned, ",") == 1 && len(cleaned)-comma-1 == 2:
		// a lone comma followed by exactly two digits is a decimal comma
		cleaned = strings.Replace(cleaned, ",", ".", 1)
	}
	cleaned = strings.ReplaceAll(cleaned, ",", "")

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%q is not a number", text)
	}
	return d, nil
}

// plainNumber is an optional sign followed by digits and separators
var plainNumber = regexp.MustCompile(`^[-+]?[0-9][0-9.,]*$`)
