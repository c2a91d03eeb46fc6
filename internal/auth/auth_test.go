package auth

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.etcd.io/bbolt"
	"golang.org/x/crypto/bcrypt"

	"github.com/zombor/spendsight/internal/failure"
)

func TestAuth(t *testing.T) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "Auth Suite")
}

type sentMail struct {
	to, subject, body string
}

// mockMailer records messages instead of sending them
type mockMailer struct {
	sent    []sentMail
	sendErr error
}

func (m *mockMailer) Send(ctx context.Context, to, subject, htmlBody string) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, sentMail{to: to, subject: subject, body: htmlBody})
	return nil
}

var tokenInLink = regexp.MustCompile(`token=([^"&]+)`)

func confirmTokenFrom(mail sentMail) string {
	m := tokenInLink.FindStringSubmatch(mail.body)
	Expect(m).To(HaveLen(2))
	token, err := url.QueryUnescape(m[1])
	Expect(err).NotTo(HaveOccurred())
	return token
}

func openBolt() *bbolt.DB {
	db, err := bbolt.Open(filepath.Join(GinkgoT().TempDir(), "auth.db"), 0600, nil)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(db.Close)
	return db
}

var _ = Describe("Service", func() {
	var (
		ctx     context.Context
		store   *BoltUserStore
		mailer  *mockMailer
		svc     *Service
		signUp  SignUpRequest
		user    *User
		session *Session
		err     error
	)

	BeforeEach(func() {
		ctx = context.Background()
		var serr error
		store, serr = NewBoltUserStore(openBolt())
		Expect(serr).NotTo(HaveOccurred())

		sessions, serr := NewSessions("0123456789abcdef0123", time.Hour, NewMemoryRevoker())
		Expect(serr).NotTo(HaveOccurred())

		mailer = &mockMailer{}
		svc = NewService(store, sessions, mailer, "https://spend.example.com/api/auth/confirm")
		svc.bcryptCost = bcrypt.MinCost

		signUp = SignUpRequest{Email: "Ada@Example.com ", Password: "correct horse", DisplayName: "Ada"}
	})

	Describe("SignUp", func() {
		JustBeforeEach(func() {
			user, err = svc.SignUp(ctx, signUp)
		})

		It("creates a pending account", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(user.Email).To(Equal("ada@example.com"))
			Expect(user.Confirmed()).To(BeFalse())
			Expect(user.PasswordHash).NotTo(Equal("correct horse"))
		})

		It("emails a confirmation link", func() {
			Expect(mailer.sent).To(HaveLen(1))
			Expect(mailer.sent[0].to).To(Equal("ada@example.com"))
			Expect(mailer.sent[0].body).To(ContainSubstring("https://spend.example.com/api/auth/confirm?token="))
		})

		When("the email is already registered", func() {
			BeforeEach(func() {
				_, perr := svc.SignUp(ctx, SignUpRequest{Email: "ada@example.com", Password: "another pass"})
				Expect(perr).NotTo(HaveOccurred())
			})

			It("returns a conflict", func() {
				Expect(failure.KindOf(err)).To(Equal(failure.Conflict))
			})
		})

		When("the password is too short", func() {
			BeforeEach(func() {
				signUp.Password = "short"
			})

			It("returns an invalid request", func() {
				Expect(failure.KindOf(err)).To(Equal(failure.InvalidRequest))
				Expect(err).To(MatchError(ContainSubstring("password failed min")))
			})
		})

		When("the email is malformed", func() {
			BeforeEach(func() {
				signUp.Email = "not-an-email"
			})

			It("returns an invalid request", func() {
				Expect(failure.KindOf(err)).To(Equal(failure.InvalidRequest))
			})
		})

		When("the mailer fails", func() {
			BeforeEach(func() {
				mailer.sendErr = io.ErrUnexpectedEOF
			})

			It("still creates the account", func() {
				Expect(err).NotTo(HaveOccurred())
				confirmed, serr := svc.ConfirmationStatus(ctx, "ada@example.com")
				Expect(serr).NotTo(HaveOccurred())
				Expect(confirmed).To(BeFalse())
			})
		})
	})

	Describe("Confirm and SignIn", func() {
		BeforeEach(func() {
			_, serr := svc.SignUp(ctx, signUp)
			Expect(serr).NotTo(HaveOccurred())
		})

		It("refuses sign-in before confirmation", func() {
			_, err = svc.SignIn(ctx, SignInRequest{Email: "ada@example.com", Password: "correct horse"})
			Expect(failure.KindOf(err)).To(Equal(failure.AuthError))
			Expect(err).To(MatchError(ContainSubstring("not been confirmed")))
		})

		When("the link is followed", func() {
			JustBeforeEach(func() {
				user, err = svc.Confirm(ctx, confirmTokenFrom(mailer.sent[0]))
			})

			It("confirms the account", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(user.Confirmed()).To(BeTrue())

				confirmed, serr := svc.ConfirmationStatus(ctx, "ADA@example.com")
				Expect(serr).NotTo(HaveOccurred())
				Expect(confirmed).To(BeTrue())
			})

			It("cannot be used twice", func() {
				_, err = svc.Confirm(ctx, confirmTokenFrom(mailer.sent[0]))
				Expect(failure.KindOf(err)).To(Equal(failure.AuthError))
			})

			It("allows sign-in", func() {
				session, err = svc.SignIn(ctx, SignInRequest{Email: "ada@example.com", Password: "correct horse"})
				Expect(err).NotTo(HaveOccurred())
				Expect(session.Token).NotTo(BeEmpty())
				Expect(session.User.Name()).To(Equal("Ada"))

				authed, aerr := svc.Authenticate(ctx, session.Token)
				Expect(aerr).NotTo(HaveOccurred())
				Expect(authed.ID).To(Equal(session.User.ID))
			})

			It("rejects a wrong password", func() {
				_, err = svc.SignIn(ctx, SignInRequest{Email: "ada@example.com", Password: "wrong horse"})
				Expect(failure.KindOf(err)).To(Equal(failure.AuthError))
				Expect(err).To(MatchError(ContainSubstring("invalid email or password")))
			})

			It("rejects an unknown email the same way", func() {
				_, err = svc.SignIn(ctx, SignInRequest{Email: "bob@example.com", Password: "correct horse"})
				Expect(err).To(MatchError(ContainSubstring("invalid email or password")))
			})

			It("revokes the session on sign-out", func() {
				session, err = svc.SignIn(ctx, SignInRequest{Email: "ada@example.com", Password: "correct horse"})
				Expect(err).NotTo(HaveOccurred())
				Expect(svc.SignOut(ctx, session.Token)).To(Succeed())

				_, err = svc.Authenticate(ctx, session.Token)
				Expect(failure.KindOf(err)).To(Equal(failure.AuthError))
			})
		})
	})

	It("reports unknown emails as unconfirmed", func() {
		confirmed, serr := svc.ConfirmationStatus(ctx, "nobody@example.com")
		Expect(serr).NotTo(HaveOccurred())
		Expect(confirmed).To(BeFalse())
	})
})

var _ = Describe("Sessions", func() {
	var (
		sessions *Sessions
		now      time.Time
	)

	BeforeEach(func() {
		var err error
		sessions, err = NewSessions("0123456789abcdef0123", time.Hour, nil)
		Expect(err).NotTo(HaveOccurred())
		now = time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)
		sessions.now = func() time.Time { return now }
	})

	It("round-trips the user ID", func() {
		token, expiresAt, err := sessions.Issue("user-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(expiresAt).To(Equal(now.Add(time.Hour)))

		claims, err := sessions.Verify(context.Background(), token)
		Expect(err).NotTo(HaveOccurred())
		Expect(claims.UserID).To(Equal("user-1"))
		Expect(claims.TokenID).NotTo(BeEmpty())
	})

	It("rejects expired tokens", func() {
		token, _, err := sessions.Issue("user-1")
		Expect(err).NotTo(HaveOccurred())

		now = now.Add(2 * time.Hour)
		_, err = sessions.Verify(context.Background(), token)
		Expect(err).To(MatchError(errInvalidToken))
	})

	It("rejects tokens signed with another secret", func() {
		other, err := NewSessions("another-secret-of-length", time.Hour, nil)
		Expect(err).NotTo(HaveOccurred())
		token, _, err := other.Issue("user-1")
		Expect(err).NotTo(HaveOccurred())

		_, err = sessions.Verify(context.Background(), token)
		Expect(err).To(MatchError(errInvalidToken))
	})

	It("rejects garbage", func() {
		_, err := sessions.Verify(context.Background(), "not.a.token")
		Expect(err).To(MatchError(errInvalidToken))
	})

	It("requires a long enough secret", func() {
		_, err := NewSessions("short", time.Hour, nil)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Revokers", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("MemoryRevoker", func() {
		var (
			revoker *MemoryRevoker
			now     time.Time
		)

		BeforeEach(func() {
			revoker = NewMemoryRevoker()
			now = time.Now()
			revoker.now = func() time.Time { return now }
		})

		It("remembers revocations until they expire", func() {
			Expect(revoker.Revoke(ctx, "jti-1", time.Minute)).To(Succeed())
			Expect(revoker.IsRevoked(ctx, "jti-1")).To(BeTrue())

			now = now.Add(2 * time.Minute)
			Expect(revoker.IsRevoked(ctx, "jti-1")).To(BeFalse())
		})

		It("ignores non-positive ttls", func() {
			Expect(revoker.Revoke(ctx, "jti-2", 0)).To(Succeed())
			Expect(revoker.IsRevoked(ctx, "jti-2")).To(BeFalse())
		})
	})

	Describe("RedisRevoker", func() {
		var (
			mr      *miniredis.Miniredis
			revoker *RedisRevoker
		)

		BeforeEach(func() {
			mr = miniredis.RunT(GinkgoT())
			revoker = NewRedisRevokerWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
			DeferCleanup(revoker.Close)
		})

		It("stores revocations with a ttl", func() {
			Expect(revoker.Revoke(ctx, "jti-1", time.Minute)).To(Succeed())
			Expect(revoker.IsRevoked(ctx, "jti-1")).To(BeTrue())
			Expect(mr.TTL("spendsight:revoked:jti-1")).To(Equal(time.Minute))

			mr.FastForward(2 * time.Minute)
			Expect(revoker.IsRevoked(ctx, "jti-1")).To(BeFalse())
		})

		It("reports unknown ids as live", func() {
			Expect(revoker.IsRevoked(ctx, "jti-unknown")).To(BeFalse())
		})

		It("returns errors when redis is unreachable", func() {
			down := NewRedisRevoker("127.0.0.1:1", "")
			DeferCleanup(down.Close)
			_, err := down.IsRevoked(ctx, "jti-1")
			Expect(err).To(HaveOccurred())
		})
	})
})
