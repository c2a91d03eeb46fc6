package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/zombor/spendsight/internal/failure"
)

// ReceiptModel is the relational row for a receipt. Items are stored as
// jsonb so each price keeps its original string or number form.
type ReceiptModel struct {
	ID          string         `gorm:"primaryKey;type:uuid"`
	UserID      string         `gorm:"type:text;not null;index:idx_receipts_user_date,priority:1"`
	Merchant    string         `gorm:"type:text;not null;default:''"`
	Date        time.Time      `gorm:"not null;index:idx_receipts_user_date,priority:2,sort:desc"`
	TotalAmount float64        `gorm:"type:numeric(12,2);not null"`
	Items       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time
}

// TableName pins the table name
func (ReceiptModel) TableName() string {
	return "receipts"
}

// GormDB implements DB on Postgres through GORM
type GormDB struct {
	db *gorm.DB
}

// NewGormDB connects to Postgres and migrates the receipts table
func NewGormDB(dsn string) (*GormDB, error) {
	gormLog := gormlogger.New(
		slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.AutoMigrate(&ReceiptModel{}); err != nil {
		return nil, fmt.Errorf("migrating receipts: %w", err)
	}
	return &GormDB{db: db}, nil
}

// InsertReceipt inserts one row
func (g *GormDB) InsertReceipt(ctx context.Context, receipt *Receipt) (*Receipt, error) {
	if receipt.UserID == "" {
		return nil, fmt.Errorf("receipt has no owner")
	}
	stored := *receipt
	stored.ID = uuid.NewString()
	stored.CreatedAt = time.Now().UTC()

	row, err := toModel(&stored)
	if err != nil {
		return nil, err
	}
	if err := g.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("inserting receipt: %w", err)
	}
	return &stored, nil
}

// GetReceipt retrieves a receipt by ID
func (g *GormDB) GetReceipt(ctx context.Context, userID, id string) (*Receipt, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, failure.Newf(failure.NotFound, "getting receipt", "receipt not found: %s", id)
	}
	var row ReceiptModel
	err := g.db.WithContext(ctx).Where("user_id = ? AND id = ?", userID, id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, failure.Newf(failure.NotFound, "getting receipt", "receipt not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying receipt: %w", err)
	}
	return fromModel(&row)
}

// ListReceipts runs select * where user_id = ? order by date desc
func (g *GormDB) ListReceipts(ctx context.Context, userID string) ([]*Receipt, error) {
	var rows []ReceiptModel
	err := g.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("date desc").
		Order("created_at desc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("querying receipts: %w", err)
	}

	receipts := make([]*Receipt, 0, len(rows))
	for i := range rows {
		r, err := fromModel(&rows[i])
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, nil
}

// DeleteReceipt removes a receipt. Zero affected rows is fine.
func (g *GormDB) DeleteReceipt(ctx context.Context, userID, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return nil
	}
	err := g.db.WithContext(ctx).Where("user_id = ? AND id = ?", userID, id).Delete(&ReceiptModel{}).Error
	if err != nil {
		return fmt.Errorf("deleting receipt: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (g *GormDB) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toModel(r *Receipt) (*ReceiptModel, error) {
	items := r.Items
	if items == nil {
		items = []Item{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("marshaling items: %w", err)
	}
	return &ReceiptModel{
		ID:          r.ID,
		UserID:      r.UserID,
		Merchant:    r.Merchant,
		Date:        r.Date.UTC(),
		TotalAmount: r.TotalAmount,
		Items:       datatypes.JSON(data),
		CreatedAt:   r.CreatedAt,
	}, nil
}

func fromModel(m *ReceiptModel) (*Receipt, error) {
	items := []Item{}
	if len(m.Items) > 0 {
		if err := json.Unmarshal(m.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshaling items for %s: %w", m.ID, err)
		}
	}
	return &Receipt{
		ID:          m.ID,
		UserID:      m.UserID,
		Merchant:    m.Merchant,
		Date:        m.Date.UTC(),
		TotalAmount: m.TotalAmount,
		Items:       items,
		CreatedAt:   m.CreatedAt.UTC(),
	}, nil
}
