package receipt

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("LocalStorage", func() {
	var (
		ctx     context.Context
		baseDir string
		storage *LocalStorage
	)

	BeforeEach(func() {
		ctx = context.Background()
		baseDir = GinkgoT().TempDir()
		var err error
		storage, err = NewLocalStorage(baseDir, "https://spend.example.com/")
		Expect(err).NotTo(HaveOccurred())
	})

	It("uploads, reads back and deletes a file", func() {
		path, err := storage.Upload(ctx, "receipts/a.jpg", []byte("jpeg"), "image/jpeg")
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal("receipts/a.jpg"))
		Expect(filepath.Join(baseDir, "receipts", "a.jpg")).To(BeARegularFile())

		data, err := storage.Get(ctx, path)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte("jpeg")))

		Expect(storage.Delete(ctx, path)).To(Succeed())
		_, err = storage.Get(ctx, path)
		Expect(err).To(MatchError(ContainSubstring("reading file")))
	})

	It("builds public URLs under /files/", func() {
		Expect(storage.PublicURL("receipts/a.jpg")).To(Equal("https://spend.example.com/files/receipts/a.jpg"))
	})

	It("keeps keys inside the base directory", func() {
		path, err := storage.Upload(ctx, "../../escape.jpg", []byte("x"), "image/jpeg")
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal("escape.jpg"))
		Expect(filepath.Join(baseDir, "escape.jpg")).To(BeARegularFile())

		_, err = os.Stat(filepath.Join(filepath.Dir(filepath.Dir(baseDir)), "escape.jpg"))
		Expect(os.IsNotExist(err)).To(BeTrue())
	})

	It("rejects an empty key", func() {
		_, err := storage.Upload(ctx, "/", []byte("x"), "image/jpeg")
		Expect(err).To(MatchError(ContainSubstring("invalid storage path")))
	})

	It("stops on a cancelled context", func() {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := storage.Upload(cancelled, "receipts/a.jpg", []byte("x"), "image/jpeg")
		Expect(err).To(MatchError(context.Canceled))
	})
})

var _ = Describe("MinioStorage", func() {
	var (
		server  *ghttp.Server
		storage *MinioStorage
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		client, err := minio.New(strings.TrimPrefix(server.URL(), "http://"), &minio.Options{
			Creds:  credentials.NewStaticV4("key", "secret", ""),
			Region: "us-east-1",
		})
		Expect(err).NotTo(HaveOccurred())
		storage = newMinioStorage(client, "spend", "")
	})

	AfterEach(func() {
		server.Close()
	})

	It("defaults public URLs to the bucket on the endpoint", func() {
		Expect(storage.PublicURL("receipts/a.jpg")).To(Equal(server.URL() + "/spend/receipts/a.jpg"))
	})

	It("uses an explicit public URL", func() {
		storage = newMinioStorage(storage.client, "spend", "https://cdn.example.com/")
		Expect(storage.PublicURL("/receipts/a.jpg")).To(Equal("https://cdn.example.com/receipts/a.jpg"))
	})

	It("puts objects with their content type", func() {
		server.AppendHandlers(ghttp.CombineHandlers(
			ghttp.VerifyRequest("PUT", "/spend/receipts/a.jpg"),
			ghttp.VerifyHeaderKV("Content-Type", "image/jpeg"),
			ghttp.RespondWith(http.StatusOK, nil, http.Header{"ETag": []string{`"abc"`}}),
		))

		path, err := storage.Upload(context.Background(), "receipts/a.jpg", []byte("jpeg"), "image/jpeg")
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal("receipts/a.jpg"))
	})

	It("wraps upload failures", func() {
		server.AppendHandlers(ghttp.RespondWith(http.StatusForbidden, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied.</Message></Error>`))

		_, err := storage.Upload(context.Background(), "receipts/a.jpg", []byte("jpeg"), "image/jpeg")
		Expect(err).To(MatchError(ContainSubstring("putting object")))
	})

	It("removes objects", func() {
		server.AppendHandlers(ghttp.CombineHandlers(
			ghttp.VerifyRequest("DELETE", "/spend/receipts/a.jpg"),
			ghttp.RespondWith(http.StatusNoContent, nil),
		))

		Expect(storage.Delete(context.Background(), "receipts/a.jpg")).To(Succeed())
	})

	It("grants public read on the receipts prefix only", func() {
		Expect(publicReadPolicy("spend")).To(ContainSubstring(`"arn:aws:s3:::spend/receipts/*"`))
	})
})

var _ = Describe("Feed", func() {
	var feed *Feed

	BeforeEach(func() {
		feed = NewFeed(1)
	})

	It("delivers events only to the owning user's subscribers", func() {
		alice, cancelAlice := feed.Subscribe("alice")
		defer cancelAlice()
		bob, cancelBob := feed.Subscribe("bob")
		defer cancelBob()

		Expect(feed.Publish("alice", Event{Kind: EventDeleted, ReceiptID: "r1"})).To(Equal(1))
		Expect(alice).To(Receive(Equal(Event{Kind: EventDeleted, ReceiptID: "r1"})))
		Expect(bob).NotTo(Receive())
	})

	It("drops events for a full subscriber instead of blocking", func() {
		events, cancel := feed.Subscribe("alice")
		defer cancel()

		Expect(feed.Publish("alice", Event{Kind: EventDeleted, ReceiptID: "r1"})).To(Equal(1))
		Expect(feed.Publish("alice", Event{Kind: EventDeleted, ReceiptID: "r2"})).To(Equal(0))
		Expect(events).To(Receive(HaveField("ReceiptID", "r1")))
	})

	It("closes the channel on cancel and tolerates repeated cancels", func() {
		events, cancel := feed.Subscribe("alice")
		cancel()
		cancel()

		Expect(events).To(BeClosed())
		Expect(feed.Publish("alice", Event{Kind: EventDeleted, ReceiptID: "r1"})).To(BeZero())
	})
})

var _ = Describe("RecordList", func() {
	var (
		older *Receipt
		newer *Receipt
		list  *RecordList
	)

	BeforeEach(func() {
		older = &Receipt{ID: "a", Date: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
		newer = &Receipt{ID: "b", Date: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
		list = NewRecordList([]*Receipt{older})
	})

	It("inserts in date order", func() {
		Expect(list.Apply(Event{Kind: EventInserted, ReceiptID: "b", Receipt: newer})).To(BeTrue())
		Expect(list.Receipts()).To(Equal([]*Receipt{newer, older}))
	})

	It("treats a replayed insert as an update", func() {
		list.Apply(Event{Kind: EventInserted, ReceiptID: "b", Receipt: newer})
		list.Apply(Event{Kind: EventInserted, ReceiptID: "b", Receipt: newer})
		Expect(list.Len()).To(Equal(2))
	})

	It("ignores a duplicate delete", func() {
		Expect(list.Apply(Event{Kind: EventDeleted, ReceiptID: "a"})).To(BeTrue())
		Expect(list.Apply(Event{Kind: EventDeleted, ReceiptID: "a"})).To(BeFalse())
		Expect(list.Len()).To(BeZero())
	})

	It("ignores inserts without a receipt", func() {
		Expect(list.Apply(Event{Kind: EventInserted, ReceiptID: "c"})).To(BeFalse())
		Expect(list.Len()).To(Equal(1))
	})

	It("orders same-day receipts by creation time", func() {
		first := &Receipt{ID: "z", Date: older.Date, CreatedAt: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)}
		list.Apply(Event{Kind: EventInserted, Receipt: first})
		Expect(list.Receipts()).To(Equal([]*Receipt{first, older}))
	})
})
