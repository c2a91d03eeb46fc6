package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/spendsight/internal/failure"
	"github.com/zombor/spendsight/internal/scanning"
)

const (
	keyPrefix = "receipts"

	DefaultAITimeout    = 90 * time.Second
	DefaultConfirmDelay = 1500 * time.Millisecond
	DefaultCaptureTTL   = 30 * time.Minute
)

// IDGenerator generates unique IDs for captures
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Options tunes the pipeline. Zero values select the defaults.
type Options struct {
	// Prompt is the fixed instruction sent with every image
	Prompt string
	// AITimeout bounds the Processing state
	AITimeout time.Duration
	// ConfirmDelay is how long a saved capture shows Saved before Idle
	ConfirmDelay time.Duration
	// CaptureTTL is how long an idle capture is kept for polling
	CaptureTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.Prompt == "" {
		o.Prompt = scanning.ReceiptPrompt
	}
	if o.AITimeout <= 0 {
		o.AITimeout = DefaultAITimeout
	}
	if o.ConfirmDelay <= 0 {
		o.ConfirmDelay = DefaultConfirmDelay
	}
	if o.CaptureTTL <= 0 {
		o.CaptureTTL = DefaultCaptureTTL
	}
	return o
}

// Service orchestrates upload, AI processing and save for captures, and
// owns reads and deletes of saved receipts
type Service struct {
	db          DB
	scanner     scanning.Scanner
	storage     Storage
	feed        *Feed
	captures    *CaptureStore
	opts        Options
	idGenerator IDGenerator
	timeSource  TimeSource

	// background AI calls
	inflight sync.WaitGroup
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, scanner scanning.Scanner, storage Storage, feed *Feed, opts Options) *Service {
	return NewServiceWithDeps(db, scanner, storage, feed, opts, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, scanner scanning.Scanner, storage Storage, feed *Feed, opts Options, idGen IDGenerator, timeSrc TimeSource) *Service {
	opts = opts.withDefaults()
	if feed == nil {
		feed = NewFeed(0)
	}
	return &Service{
		db:          db,
		scanner:     scanner,
		storage:     storage,
		feed:        feed,
		captures:    NewCaptureStore(opts.CaptureTTL),
		opts:        opts,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Feed returns the change feed receipts are published on
func (s *Service) Feed() *Feed {
	return s.feed
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	repeatedSpaces      = regexp.MustCompile(`\s+`)
	plainExtension      = regexp.MustCompile(`^\.[a-z0-9]{1,5}$`)
)

// sanitizeFilename cleans up a filename so it can be used in an object key
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if !plainExtension.MatchString(ext) {
		ext = ""
	}
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = repeatedSpaces.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-_ ")

	// phone cameras produce very long names
	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "receipt"
	}

	return base + ext
}

// objectKey is receipts/receipt-<capture ms>-<sanitized filename>
func objectKey(raw *RawCapture) string {
	return fmt.Sprintf("%s/receipt-%d-%s", keyPrefix, raw.CapturedAt.UnixMilli(), sanitizeFilename(raw.Filename))
}

// SelectImage starts a capture for an image chosen by the user. Nothing is
// sent anywhere yet.
func (s *Service) SelectImage(ctx context.Context, userID, filename, contentType string, data []byte) (*CaptureView, error) {
	const op = "selecting image"
	if userID == "" {
		return nil, failure.Newf(failure.AuthError, op, "user is required")
	}
	if len(data) == 0 {
		return nil, failure.Newf(failure.InvalidRequest, op, "image is empty")
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	now := s.timeSource.Now()
	c := newCapture(s.idGenerator.Generate(), userID, &RawCapture{
		Filename:    filename,
		ContentType: contentType,
		Data:        data,
		CapturedAt:  now,
	})
	s.expire(ctx, s.captures.add(c, now))

	slog.Debug("Image selected", "capture_id", c.id, "filename", filename, "content_type", contentType, "size", len(data))
	return c.View(), nil
}

// Upload sends the selected image to the object store. A failed upload keeps
// the bytes so it can be retried without selecting the image again.
func (s *Service) Upload(ctx context.Context, userID, captureID string) (*CaptureView, error) {
	c, err := s.captures.get(userID, captureID)
	if err != nil {
		return nil, err
	}
	gen, _, err := c.begin(StateUploading, s.timeSource.Now(), StateImageSelected)
	if err != nil {
		return nil, err
	}

	raw, _, _ := c.snapshot()
	path, err := s.storage.Upload(ctx, objectKey(raw), raw.Data, raw.ContentType)
	if err != nil {
		slog.Error("Failed to upload receipt image",
			"capture_id", captureID,
			"filename", raw.Filename,
			"content_type", raw.ContentType,
			"file_size", len(raw.Data),
			"error", err,
		)
		ferr := failure.New(failure.UploadFailed, "uploading image", err)
		c.fail(gen, StateUploading, ferr, StateImageSelected, s.timeSource.Now())
		return c.View(), ferr
	}

	if !c.uploaded(gen, path, s.storage.PublicURL(path), s.timeSource.Now()) {
		s.deleteImage(ctx, captureID, path)
		return c.View(), failure.Newf(failure.Conflict, "uploading image", "capture %s was abandoned during upload", captureID)
	}
	slog.Info("Receipt image uploaded", "capture_id", captureID, "path", path)
	return c.View(), nil
}

// Capture selects and uploads an image in one step
func (s *Service) Capture(ctx context.Context, userID, filename, contentType string, data []byte) (*CaptureView, error) {
	view, err := s.SelectImage(ctx, userID, filename, contentType, data)
	if err != nil {
		return nil, err
	}
	return s.Upload(ctx, userID, view.ID)
}

// ProcessAsync starts the AI call in the background and returns at once
// with the capture in Processing. Poll the capture for the outcome.
func (s *Service) ProcessAsync(userID, captureID string) (*CaptureView, error) {
	c, gen, resume, imageURL, err := s.beginProcessing(userID, captureID)
	if err != nil {
		return nil, err
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		// the request that started this has already returned
		s.process(context.Background(), c, gen, resume, imageURL)
	}()

	return c.View(), nil
}

// Process runs the AI call and waits for the outcome
func (s *Service) Process(ctx context.Context, userID, captureID string) (*CaptureView, error) {
	c, gen, resume, imageURL, err := s.beginProcessing(userID, captureID)
	if err != nil {
		return nil, err
	}
	err = s.process(ctx, c, gen, resume, imageURL)
	return c.View(), err
}

// beginProcessing also returns the state a failed run resumes to: Parsed
// when a previous candidate exists, Uploaded otherwise
func (s *Service) beginProcessing(userID, captureID string) (*Capture, int, State, string, error) {
	c, err := s.captures.get(userID, captureID)
	if err != nil {
		return nil, 0, "", "", err
	}
	gen, from, err := c.begin(StateProcessing, s.timeSource.Now(), StateUploaded, StateParsed)
	if err != nil {
		return nil, 0, "", "", err
	}
	_, imageURL, _ := c.snapshot()
	return c, gen, from, imageURL, nil
}

func (s *Service) process(ctx context.Context, c *Capture, gen int, resume State, imageURL string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.AITimeout)
	defer cancel()

	start := s.timeSource.Now()
	text, err := s.scanner.Analyze(ctx, s.opts.Prompt, imageURL)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("no response within %s: %w", s.opts.AITimeout, err)
		}
		slog.Error("Failed to process receipt", "capture_id", c.id, "image_url", imageURL, "error", err)
		ferr := failure.New(failure.ProcessingFailed, "processing receipt", err)
		if !c.fail(gen, StateProcessing, ferr, resume, s.timeSource.Now()) {
			slog.Info("Discarding AI result for abandoned capture", "capture_id", c.id)
		}
		return ferr
	}

	candidate, err := ParseCandidate(Normalize(text))
	if err != nil {
		slog.Error("Malformed AI response", "capture_id", c.id, "raw_text", text, "error", err)
		if !c.malformed(gen, text, err, resume, s.timeSource.Now()) {
			slog.Info("Discarding AI result for abandoned capture", "capture_id", c.id)
		}
		return err
	}

	if !c.parsed(gen, text, candidate, s.timeSource.Now()) {
		slog.Info("Discarding AI result for abandoned capture", "capture_id", c.id)
		return nil
	}
	slog.Info("Receipt processed",
		"capture_id", c.id,
		"items", len(candidate.Items),
		"duration", s.timeSource.Now().Sub(start),
	)
	return nil
}

// ReviseCandidate replaces the parsed candidate with a user-corrected one
// before it is saved
func (s *Service) ReviseCandidate(userID, captureID string, candidate *Candidate) (*CaptureView, error) {
	if candidate == nil {
		return nil, failure.Newf(failure.InvalidRequest, "revising candidate", "candidate is required")
	}
	c, err := s.captures.get(userID, captureID)
	if err != nil {
		return nil, err
	}
	if candidate.Items == nil {
		candidate.Items = []Item{}
	}
	if err := c.revise(candidate, s.timeSource.Now()); err != nil {
		return nil, err
	}
	return c.View(), nil
}

// Save validates the confirmed candidate and inserts it. Any failure leaves
// the candidate in place so the save can be retried without a new upload
// or AI call.
func (s *Service) Save(ctx context.Context, userID, captureID string) (*Receipt, error) {
	c, err := s.captures.get(userID, captureID)
	if err != nil {
		return nil, err
	}
	gen, _, err := c.begin(StateSaving, s.timeSource.Now(), StateParsed)
	if err != nil {
		return nil, err
	}

	_, _, candidate := c.snapshot()
	record, err := ToCanonicalRecord(candidate, userID)
	if err != nil {
		slog.Warn("Receipt failed validation", "capture_id", captureID, "kind", failure.KindOf(err), "error", err)
		c.fail(gen, StateSaving, err, StateParsed, s.timeSource.Now())
		return nil, err
	}

	saved, err := s.db.InsertReceipt(ctx, record)
	if err != nil {
		slog.Error("Failed to save receipt", "capture_id", captureID, "error", err)
		ferr := failure.New(failure.SaveFailed, "saving receipt", err)
		c.fail(gen, StateSaving, ferr, StateParsed, s.timeSource.Now())
		return nil, ferr
	}

	if !c.saved(gen, saved, s.timeSource.Now()) {
		slog.Info("Capture abandoned during save", "capture_id", captureID, "receipt_id", saved.ID)
	}
	s.feed.Publish(userID, Event{Kind: EventInserted, ReceiptID: saved.ID, Receipt: saved})
	time.AfterFunc(s.opts.ConfirmDelay, func() {
		c.reset(gen, s.timeSource.Now())
	})

	slog.Info("Receipt saved", "capture_id", captureID, "receipt_id", saved.ID, "total_amount", saved.TotalAmount)
	return saved, nil
}

// GetCapture returns the current state of a capture
func (s *Service) GetCapture(userID, captureID string) (*CaptureView, error) {
	c, err := s.captures.get(userID, captureID)
	if err != nil {
		return nil, err
	}
	return c.View(), nil
}

// AbandonCapture drops a capture. An AI call still running for it finishes
// but its result is discarded.
func (s *Service) AbandonCapture(ctx context.Context, userID, captureID string) error {
	c, err := s.captures.remove(userID, captureID)
	if err != nil {
		return err
	}
	if path, orphan := c.abandon(); orphan {
		s.deleteImage(ctx, captureID, path)
	}
	slog.Info("Capture abandoned", "capture_id", captureID)
	return nil
}

// expire drops captures swept out of the store, deleting images that never
// became a record
func (s *Service) expire(ctx context.Context, expired []*Capture) {
	for _, c := range expired {
		if path, orphan := c.abandon(); orphan {
			s.deleteImage(ctx, c.id, path)
		}
		slog.Info("Capture expired", "capture_id", c.id)
	}
}

// deleteImage removes an uploaded image no record refers to
func (s *Service) deleteImage(ctx context.Context, captureID, path string) {
	if err := s.storage.Delete(ctx, path); err != nil {
		slog.Warn("Failed to delete abandoned image", "capture_id", captureID, "path", path, "error", err)
	}
}

// GetReceipt retrieves a receipt by ID
func (s *Service) GetReceipt(ctx context.Context, userID, id string) (*Receipt, error) {
	receipt, err := s.db.GetReceipt(ctx, userID, id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	return receipt, nil
}

// ListReceipts returns the user's receipts, most recent first
func (s *Service) ListReceipts(ctx context.Context, userID string) ([]*Receipt, error) {
	receipts, err := s.db.ListReceipts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// DeleteReceipt permanently removes a receipt. Deleting twice is fine.
func (s *Service) DeleteReceipt(ctx context.Context, userID, id string) error {
	if err := s.db.DeleteReceipt(ctx, userID, id); err != nil {
		return fmt.Errorf("deleting receipt from database: %w", err)
	}
	s.feed.Publish(userID, Event{Kind: EventDeleted, ReceiptID: id})
	return nil
}

// Wait blocks until background AI calls have finished
func (s *Service) Wait() {
	s.inflight.Wait()
}
