package receipt

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/zombor/spendsight/internal/failure"
)

var _ = Describe("BoltDB", func() {
	var (
		ctx context.Context
		db  *BoltDB
		seq int
	)

	BeforeEach(func() {
		ctx = context.Background()
		handle, err := OpenBolt(filepath.Join(GinkgoT().TempDir(), "test.db"))
		Expect(err).NotTo(HaveOccurred())
		db, err = NewBoltDB(handle)
		Expect(err).NotTo(HaveOccurred())

		seq = 0
		db.newID = func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		}
		db.now = func() time.Time {
			return time.Date(2024, 2, 1, 12, 0, seq, 0, time.UTC)
		}
		DeferCleanup(db.Close)
	})

	receiptOn := func(userID string, day int) *Receipt {
		return &Receipt{
			UserID:      userID,
			Merchant:    fmt.Sprintf("Shop %d", day),
			Date:        time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC),
			TotalAmount: float64(day),
			Items: []Item{
				{Name: "Milk", Price: TextAmount("$3.00")},
				{Name: "Eggs", Price: NumericAmount(decimal.RequireFromString("2.50"))},
			},
		}
	}

	Describe("InsertReceipt", func() {
		It("assigns an ID and creation time without touching the input", func() {
			input := receiptOn("alice", 5)
			stored, err := db.InsertReceipt(ctx, input)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.ID).To(Equal("id-1"))
			Expect(stored.CreatedAt).To(Equal(time.Date(2024, 2, 1, 12, 0, 1, 0, time.UTC)))
			Expect(input.ID).To(BeEmpty())
		})

		It("requires an owner", func() {
			_, err := db.InsertReceipt(ctx, receiptOn("", 5))
			Expect(err).To(MatchError("receipt has no owner"))
		})

		It("round-trips items with their original price form", func() {
			stored, err := db.InsertReceipt(ctx, receiptOn("alice", 5))
			Expect(err).NotTo(HaveOccurred())

			got, err := db.GetReceipt(ctx, "alice", stored.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(stored))
			Expect(got.Items[0].Price.IsNumber()).To(BeFalse())
			Expect(got.Items[1].Price.IsNumber()).To(BeTrue())
		})
	})

	Describe("GetReceipt", func() {
		It("reports missing receipts as NotFound", func() {
			_, err := db.GetReceipt(ctx, "alice", "nope")
			Expect(failure.KindOf(err)).To(Equal(failure.NotFound))
		})

		It("does not return another user's receipt", func() {
			stored, err := db.InsertReceipt(ctx, receiptOn("alice", 5))
			Expect(err).NotTo(HaveOccurred())

			_, err = db.GetReceipt(ctx, "bob", stored.ID)
			Expect(failure.KindOf(err)).To(Equal(failure.NotFound))
		})
	})

	Describe("ListReceipts", func() {
		It("returns only the user's receipts, most recent date first", func() {
			for _, day := range []int{3, 10, 7} {
				_, err := db.InsertReceipt(ctx, receiptOn("alice", day))
				Expect(err).NotTo(HaveOccurred())
			}
			_, err := db.InsertReceipt(ctx, receiptOn("bob", 20))
			Expect(err).NotTo(HaveOccurred())

			list, err := db.ListReceipts(ctx, "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(3))
			Expect(list[0].Merchant).To(Equal("Shop 10"))
			Expect(list[1].Merchant).To(Equal("Shop 7"))
			Expect(list[2].Merchant).To(Equal("Shop 3"))
		})

		It("breaks date ties by newest insert", func() {
			first, err := db.InsertReceipt(ctx, receiptOn("alice", 5))
			Expect(err).NotTo(HaveOccurred())
			second, err := db.InsertReceipt(ctx, receiptOn("alice", 5))
			Expect(err).NotTo(HaveOccurred())

			list, err := db.ListReceipts(ctx, "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(list[0].ID).To(Equal(second.ID))
			Expect(list[1].ID).To(Equal(first.ID))
		})

		It("returns an empty list for a new user", func() {
			list, err := db.ListReceipts(ctx, "carol")
			Expect(err).NotTo(HaveOccurred())
			Expect(list).NotTo(BeNil())
			Expect(list).To(BeEmpty())
		})
	})

	Describe("DeleteReceipt", func() {
		It("removes the receipt and is idempotent", func() {
			stored, err := db.InsertReceipt(ctx, receiptOn("alice", 5))
			Expect(err).NotTo(HaveOccurred())

			Expect(db.DeleteReceipt(ctx, "alice", stored.ID)).To(Succeed())
			Expect(db.DeleteReceipt(ctx, "alice", stored.ID)).To(Succeed())
			Expect(db.DeleteReceipt(ctx, "nobody", stored.ID)).To(Succeed())

			_, err = db.GetReceipt(ctx, "alice", stored.ID)
			Expect(failure.KindOf(err)).To(Equal(failure.NotFound))
		})

		It("cannot delete another user's receipt", func() {
			stored, err := db.InsertReceipt(ctx, receiptOn("alice", 5))
			Expect(err).NotTo(HaveOccurred())

			Expect(db.DeleteReceipt(ctx, "bob", stored.ID)).To(Succeed())
			_, err = db.GetReceipt(ctx, "alice", stored.ID)
			Expect(err).NotTo(HaveOccurred())
		})
	})

	It("honors a cancelled context", func() {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := db.ListReceipts(cancelled, "alice")
		Expect(err).To(MatchError(context.Canceled))
	})
})

var _ = Describe("ReceiptModel", func() {
	It("maps a receipt to a row and back", func() {
		receipt := &Receipt{
			ID:          "2b1c4d9e-0000-4000-8000-000000000001",
			UserID:      "alice",
			Merchant:    "Corner Store",
			Date:        time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
			TotalAmount: 5.5,
			Items:       []Item{{Name: "Milk", Price: TextAmount("$3.00")}, {Name: "Eggs", Price: NumericAmount(decimal.RequireFromString("2.5"))}},
			CreatedAt:   time.Date(2024, 1, 6, 8, 0, 0, 0, time.UTC),
		}

		row, err := toModel(receipt)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(row.Items)).To(Equal(`[{"name":"Milk","price":"$3.00"},{"name":"Eggs","price":2.5}]`))

		back, err := fromModel(row)
		Expect(err).NotTo(HaveOccurred())
		Expect(back).To(Equal(receipt))
	})

	It("stores missing items as an empty array", func() {
		row, err := toModel(&Receipt{UserID: "alice"})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(row.Items)).To(Equal("[]"))

		back, err := fromModel(row)
		Expect(err).NotTo(HaveOccurred())
		Expect(back.Items).To(BeEmpty())
		Expect(back.Items).NotTo(BeNil())
	})

	It("rejects corrupt item data", func() {
		_, err := fromModel(&ReceiptModel{ID: "x", Items: []byte("{")})
		Expect(err).To(MatchError(ContainSubstring("unmarshaling items for x")))
	})
})
