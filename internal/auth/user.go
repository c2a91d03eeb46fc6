package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/spendsight/internal/failure"
)

const (
	usersBucket         = "users"
	usersByEmailBucket  = "users_by_email"
	confirmTokensBucket = "confirm_tokens"
)

// User is an account of the identity provider
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	DisplayName  string     `json:"display_name"`
	PasswordHash string     `json:"-"`
	ConfirmToken string     `json:"-"`
	ConfirmedAt  *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Confirmed reports whether the email address has been confirmed
func (u *User) Confirmed() bool {
	return u.ConfirmedAt != nil
}

// Name is the display name, falling back to the email address
func (u *User) Name() string {
	if strings.TrimSpace(u.DisplayName) != "" {
		return u.DisplayName
	}
	return u.Email
}

// UserStore persists accounts
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByConfirmToken(ctx context.Context, token string) (*User, error)
	UpdateUser(ctx context.Context, user *User) error
}

// storedUser carries the secret fields User hides from JSON
type storedUser struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	DisplayName  string     `json:"display_name"`
	PasswordHash string     `json:"password_hash"`
	ConfirmToken string     `json:"confirm_token,omitempty"`
	ConfirmedAt  *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toStored(u *User) storedUser {
	return storedUser(*u)
}

func fromStored(s storedUser) *User {
	u := User(s)
	return &u
}

// BoltUserStore keeps users in the same bbolt file as receipts
type BoltUserStore struct {
	db *bbolt.DB
}

// NewBoltUserStore creates the user buckets on an open handle
func NewBoltUserStore(db *bbolt.DB) (*BoltUserStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{usersBucket, usersByEmailBucket, confirmTokensBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating user buckets: %w", err)
	}
	return &BoltUserStore{db: db}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateUser stores a new user. Emails are unique.
func (b *BoltUserStore) CreateUser(ctx context.Context, user *User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		byEmail := tx.Bucket([]byte(usersByEmailBucket))
		email := []byte(normalizeEmail(user.Email))
		if byEmail.Get(email) != nil {
			return failure.Newf(failure.Conflict, "creating user", "email already registered")
		}
		if err := b.put(tx, user); err != nil {
			return err
		}
		return byEmail.Put(email, []byte(user.ID))
	})
}

// UpdateUser overwrites a user and keeps the token index in step
func (b *BoltUserStore) UpdateUser(ctx context.Context, user *User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		existing, err := b.get(tx, user.ID)
		if err != nil {
			return err
		}
		if existing.ConfirmToken != "" && existing.ConfirmToken != user.ConfirmToken {
			if err := tx.Bucket([]byte(confirmTokensBucket)).Delete([]byte(existing.ConfirmToken)); err != nil {
				return err
			}
		}
		return b.put(tx, user)
	})
}

func (b *BoltUserStore) put(tx *bbolt.Tx, user *User) error {
	data, err := json.Marshal(toStored(user))
	if err != nil {
		return fmt.Errorf("marshaling user: %w", err)
	}
	if err := tx.Bucket([]byte(usersBucket)).Put([]byte(user.ID), data); err != nil {
		return err
	}
	if user.ConfirmToken != "" {
		return tx.Bucket([]byte(confirmTokensBucket)).Put([]byte(user.ConfirmToken), []byte(user.ID))
	}
	return nil
}

func (b *BoltUserStore) get(tx *bbolt.Tx, id string) (*User, error) {
	data := tx.Bucket([]byte(usersBucket)).Get([]byte(id))
	if data == nil {
		return nil, failure.Newf(failure.NotFound, "getting user", "user not found")
	}
	var s storedUser
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshaling user: %w", err)
	}
	return fromStored(s), nil
}

// GetUser retrieves a user by ID
func (b *BoltUserStore) GetUser(ctx context.Context, id string) (*User, error) {
	var user *User
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		user, err = b.get(tx, id)
		return err
	})
	return user, err
}

// GetUserByEmail retrieves a user by email, case-insensitively
func (b *BoltUserStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return b.lookup(usersByEmailBucket, normalizeEmail(email))
}

// GetUserByConfirmToken retrieves the user a confirmation link was sent to
func (b *BoltUserStore) GetUserByConfirmToken(ctx context.Context, token string) (*User, error) {
	return b.lookup(confirmTokensBucket, token)
}

func (b *BoltUserStore) lookup(index, key string) (*User, error) {
	var user *User
	err := b.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket([]byte(index)).Get([]byte(key))
		if id == nil {
			return failure.Newf(failure.NotFound, "getting user", "user not found")
		}
		var err error
		user, err = b.get(tx, string(id))
		return err
	})
	return user, err
}
