package receipt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/zombor/spendsight/internal/failure"
)

const bucketName = "receipts"

// DB is the persistence boundary. Every query is scoped to the owning user.
type DB interface {
	// InsertReceipt stores a new receipt, assigning its ID and CreatedAt
	InsertReceipt(ctx context.Context, receipt *Receipt) (*Receipt, error)

	// GetReceipt retrieves one of userID's receipts
	GetReceipt(ctx context.Context, userID, id string) (*Receipt, error)

	// ListReceipts returns userID's receipts, most recent date first
	ListReceipts(ctx context.Context, userID string) ([]*Receipt, error)

	// DeleteReceipt removes a receipt. Deleting a missing receipt is not an error.
	DeleteReceipt(ctx context.Context, userID, id string) error

	// Close releases the underlying connection
	Close() error
}

// BoltDB implements DB with one nested bucket per user under "receipts"
type BoltDB struct {
	db    *bbolt.DB
	newID func() string
	now   func() time.Time
}

// OpenBolt opens (or creates) a bbolt file. The handle can be shared with
// other stores that keep their own buckets.
func OpenBolt(path string) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}
	return db, nil
}

// NewBoltDB creates the receipts bucket on an open handle
func NewBoltDB(db *bbolt.DB) (*BoltDB, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db, newID: uuid.NewString, now: time.Now}, nil
}

// InsertReceipt stores a copy of receipt under its owner's bucket
func (b *BoltDB) InsertReceipt(ctx context.Context, receipt *Receipt) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if receipt.UserID == "" {
		return nil, fmt.Errorf("receipt has no owner")
	}

	stored := *receipt
	stored.ID = b.newID()
	stored.CreatedAt = b.now().UTC()

	err := b.db.Update(func(tx *bbolt.Tx) error {
		userBucket, err := tx.Bucket([]byte(bucketName)).CreateBucketIfNotExists([]byte(stored.UserID))
		if err != nil {
			return fmt.Errorf("creating user bucket: %w", err)
		}
		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("marshaling receipt: %w", err)
		}
		return userBucket.Put([]byte(stored.ID), data)
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetReceipt retrieves a receipt by ID
func (b *BoltDB) GetReceipt(ctx context.Context, userID, id string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		var data []byte
		if userBucket := tx.Bucket([]byte(bucketName)).Bucket([]byte(userID)); userBucket != nil {
			data = userBucket.Get([]byte(id))
		}
		if data == nil {
			return failure.Newf(failure.NotFound, "getting receipt", "receipt not found: %s", id)
		}
		return json.Unmarshal(data, &receipt)
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// ListReceipts returns all of a user's receipts
func (b *BoltDB) ListReceipts(ctx context.Context, userID string) ([]*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket([]byte(bucketName)).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.ForEach(func(k, v []byte) error {
			var receipt Receipt
			if err := json.Unmarshal(v, &receipt); err != nil {
				return fmt.Errorf("unmarshaling receipt: %w", err)
			}
			receipts = append(receipts, &receipt)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	SortByDateDesc(receipts)
	return receipts, nil
}

// DeleteReceipt removes a receipt from the database
func (b *BoltDB) DeleteReceipt(ctx context.Context, userID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket([]byte(bucketName)).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.Delete([]byte(id))
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
