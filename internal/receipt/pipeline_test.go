package receipt

import (
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/zombor/spendsight/internal/failure"
)

var _ = Describe("Normalize", func() {
	DescribeTable("strips fences and whitespace",
		func(raw, expected string) {
			Expect(Normalize(raw)).To(Equal(expected))
		},
		Entry("json fence", "```json\n{\"a\":1}\n```", `{"a":1}`),
		Entry("bare fence", "```\n{\"a\":1}\n```", `{"a":1}`),
		Entry("fence with padding", "  \n```JSON\r\n{\"a\":1}\r\n```  \n", `{"a":1}`),
		Entry("tag glued to the object", "```json{\"a\":1}```", `{"a":1}`),
		Entry("no fence", "  {\"a\":1}  ", `{"a":1}`),
		Entry("only an opening fence", "```json\n{\"a\":1}", `{"a":1}`),
		Entry("only a closing fence", "{\"a\":1}\n```", `{"a":1}`),
		Entry("nested fences", "```\n```json\n{}\n```\n```", `{}`),
		Entry("empty", "", ""),
		Entry("just a fence", "```", ""),
		Entry("truncated text is left alone", `{"items": [`, `{"items": [`),
	)

	DescribeTable("is idempotent",
		func(raw string) {
			once := Normalize(raw)
			Expect(Normalize(once)).To(Equal(once))
		},
		Entry("fenced", "```json\n{\"a\":1}\n```"),
		Entry("double fenced", "```\n```\n{}\n```\n```"),
		Entry("fence inside a string", "{\"note\":\"```\"}"),
		Entry("stray backticks", "``json``"),
		Entry("prose", "Sure! Here is the receipt."),
		Entry("unicode tag", "```jsön\n{}\n```"),
		Entry("whitespace", " \t\n "),
	)
})

var _ = Describe("ParseCandidate", func() {
	var (
		text      string
		candidate *Candidate
		err       error
	)

	JustBeforeEach(func() {
		candidate, err = ParseCandidate(text)
	})

	When("the text is a complete receipt", func() {
		BeforeEach(func() {
			text = `{"items":[{"name":"Milk","price":"$3.00"},{"name":"Eggs","price":2.5}],"location":"Corner Store","summary":"Groceries","merchantCode":"5411","total":"$5.50","date":"2024-01-05"}`
		})

		It("parses every field", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(candidate.Location).To(Equal("Corner Store"))
			Expect(candidate.Summary).To(Equal("Groceries"))
			Expect(candidate.MerchantCode).To(Equal("5411"))
			Expect(candidate.Date).To(Equal("2024-01-05"))
			Expect(candidate.Total).To(Equal(TextAmount("$5.50")))
			Expect(candidate.Items).To(Equal([]Item{
				{Name: "Milk", Price: TextAmount("$3.00")},
				{Name: "Eggs", Price: NumericAmount(decimal.RequireFromString("2.5"))},
			}))
		})
	})

	When("items are missing", func() {
		BeforeEach(func() {
			text = `{"location":"Corner Store","total":3,"date":"2024-01-05"}`
		})

		It("defaults to an empty sequence", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(candidate.Items).NotTo(BeNil())
			Expect(candidate.Items).To(BeEmpty())
		})
	})

	When("items are null", func() {
		BeforeEach(func() {
			text = `{"items":null,"total":3}`
		})

		It("defaults to an empty sequence", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(candidate.Items).To(Equal([]Item{}))
		})
	})

	When("the merchant code uses the machcat alias", func() {
		BeforeEach(func() {
			text = `{"items":[],"machcat":"grocery","total":"1"}`
		})

		It("accepts it", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(candidate.MerchantCode).To(Equal("grocery"))
		})
	})

	DescribeTable("rejects text that is not a JSON object",
		func(input string) {
			_, perr := ParseCandidate(input)
			Expect(failure.KindOf(perr)).To(Equal(failure.MalformedResponse))
			Expect(failure.RawText(perr)).To(Equal(input))
		},
		Entry("truncated", `{"items":[{"name":"Milk"`),
		Entry("prose", "I could not read this receipt."),
		Entry("array", `[{"items":[]}]`),
		Entry("empty", ""),
		Entry("trailing data", `{"items":[]} {"items":[]}`),
		Entry("items of the wrong type", `{"items":"milk"}`),
		Entry("object total", `{"total":{"amount":3}}`),
	)
})

var _ = Describe("ToCanonicalRecord", func() {
	var (
		candidate *Candidate
		userID    string
		record    *Receipt
		err       error
	)

	BeforeEach(func() {
		userID = "user-1"
		candidate = &Candidate{
			Items:    []Item{{Name: "Milk", Price: TextAmount("$3.00")}},
			Location: "Corner Store",
			Total:    TextAmount("$12.50"),
			Date:     "2024-03-01",
		}
	})

	JustBeforeEach(func() {
		record, err = ToCanonicalRecord(candidate, userID)
	})

	It("maps the candidate", func() {
		Expect(err).NotTo(HaveOccurred())
		Expect(record.UserID).To(Equal("user-1"))
		Expect(record.Merchant).To(Equal("Corner Store"))
		Expect(record.TotalAmount).To(Equal(12.50))
		Expect(record.Date).To(Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
		Expect(record.Items).To(Equal(candidate.Items))
		Expect(record.ID).To(BeEmpty())
	})

	When("the total is already numeric", func() {
		BeforeEach(func() {
			candidate.Total = NumericAmount(decimal.RequireFromString("12.5"))
		})

		It("uses it as-is", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(record.TotalAmount).To(Equal(12.5))
		})
	})

	DescribeTable("coerces currency text",
		func(total string, expected float64) {
			candidate.Total = TextAmount(total)
			r, merr := ToCanonicalRecord(candidate, userID)
			Expect(merr).NotTo(HaveOccurred())
			Expect(r.TotalAmount).To(Equal(expected))
		},
		Entry("dollar sign", "$12.50", 12.5),
		Entry("thousands separator", "$1,234.56", 1234.56),
		Entry("currency code", "12.50 USD", 12.5),
		Entry("euro with decimal comma", "€3,99", 3.99),
		Entry("pound", "£7", 7.0),
		Entry("padded", "  42.00 ", 42.0),
		Entry("european thousands and decimal comma", "1.234,56", 1234.56),
		Entry("european with currency code", "1.234.567,89 EUR", 1234567.89),
		Entry("comma thousands only", "1,234", 1234.0),
		Entry("negative refund", "-5.00", -5.0),
	)

	DescribeTable("rejects text that is not a plain amount",
		func(total string) {
			candidate.Total = TextAmount(total)
			_, merr := ToCanonicalRecord(candidate, userID)
			Expect(failure.KindOf(merr)).To(Equal(failure.InvalidAmount))
		},
		Entry("exponent", "$1e5"),
		Entry("huge exponent", "1e400"),
		Entry("two decimal points", "1.2.3"),
		Entry("bare separators", ",."),
	)

	It("rejects numeric totals too large to store", func() {
		candidate.Total = Amount{raw: []byte("1e400")}
		_, merr := ToCanonicalRecord(candidate, userID)
		Expect(failure.KindOf(merr)).To(Equal(failure.InvalidAmount))
		Expect(merr).To(MatchError(ContainSubstring("out of range")))
	})

	When("the total is not a number", func() {
		BeforeEach(func() {
			candidate.Total = TextAmount("abc")
		})

		It("fails with InvalidAmount", func() {
			Expect(failure.KindOf(err)).To(Equal(failure.InvalidAmount))
		})
	})

	When("the total is missing", func() {
		BeforeEach(func() {
			candidate.Total = Amount{}
		})

		It("fails with InvalidAmount", func() {
			Expect(failure.KindOf(err)).To(Equal(failure.InvalidAmount))
		})
	})

	DescribeTable("accepts permissive dates",
		func(date string, expected time.Time) {
			candidate.Date = date
			r, merr := ToCanonicalRecord(candidate, userID)
			Expect(merr).NotTo(HaveOccurred())
			Expect(r.Date).To(Equal(expected))
		},
		Entry("ISO date", "2024-01-05", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)),
		Entry("RFC3339", "2024-01-05T14:30:00Z", time.Date(2024, 1, 5, 14, 30, 0, 0, time.UTC)),
		Entry("US slashes", "01/05/2024", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)),
		Entry("month name", "Jan 5, 2024", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)),
		Entry("long month name", "January 5, 2024", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)),
	)

	When("the date is not a date", func() {
		BeforeEach(func() {
			candidate.Date = "not a date"
		})

		It("fails with InvalidDate", func() {
			Expect(failure.KindOf(err)).To(Equal(failure.InvalidDate))
		})
	})

	When("there is no user", func() {
		BeforeEach(func() {
			userID = ""
		})

		It("fails with AuthError", func() {
			Expect(failure.KindOf(err)).To(Equal(failure.AuthError))
		})
	})

	It("does not share the item slice with the candidate", func() {
		record.Items[0].Name = "Changed"
		Expect(candidate.Items[0].Name).To(Equal("Milk"))
	})
})

var _ = Describe("Amount", func() {
	It("round-trips strings and numbers unchanged", func() {
		var items []Item
		in := `[{"name":"a","price":"$3.00"},{"name":"b","price":2.50},{"name":"c","price":null}]`
		Expect(json.Unmarshal([]byte(in), &items)).To(Succeed())

		out, err := json.Marshal(items)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(out)).To(Equal(in))
	})

	It("reports its form", func() {
		Expect(TextAmount("$3").IsNumber()).To(BeFalse())
		Expect(NumericAmount(decimal.NewFromInt(3)).IsNumber()).To(BeTrue())
		Expect(TextAmount("$3").String()).To(Equal("$3"))
		Expect(Amount{}.IsZero()).To(BeTrue())
	})
})
