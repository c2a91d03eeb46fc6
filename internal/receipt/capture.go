package receipt

import (
	"sync"
	"time"

	"github.com/zombor/spendsight/internal/failure"
)

// State is a step of the capture pipeline
type State string

const (
	StateIdle          State = "idle"
	StateImageSelected State = "image_selected"
	StateUploading     State = "uploading"
	StateUploaded      State = "uploaded"
	StateProcessing    State = "processing"
	StateParsed        State = "parsed"
	StateSaving        State = "saving"
	StateSaved         State = "saved"
	StateError         State = "error"
)

// busy states have a boundary call in flight
func (s State) busy() bool {
	return s == StateUploading || s == StateProcessing || s == StateSaving
}

// Capture is one receipt moving from image to saved record. All fields are
// guarded by mu; the Service drives the transitions.
type Capture struct {
	mu sync.Mutex

	id        string
	userID    string
	state     State
	resume    State
	raw       *RawCapture
	filename  string
	path      string
	imageURL  string
	response  string
	candidate *Candidate
	record    *Receipt
	err       error
	// generation changes whenever a result already in flight must be dropped
	generation int
	updatedAt  time.Time
}

// CaptureView is the read-only snapshot returned to clients
type CaptureView struct {
	ID          string     `json:"id"`
	State       State      `json:"state"`
	ResumeState State      `json:"resume_state,omitempty"`
	Filename    string     `json:"filename,omitempty"`
	ImageURL    string     `json:"image_url,omitempty"`
	Candidate   *Candidate `json:"candidate,omitempty"`
	RawResponse string     `json:"raw_response,omitempty"`
	Receipt     *Receipt   `json:"receipt,omitempty"`
	Error       *ErrorView `json:"error,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ErrorView is the user-visible notification for a failed step
type ErrorView struct {
	Kind    failure.Kind `json:"kind"`
	Message string       `json:"message"`
}

func newCapture(id, userID string, raw *RawCapture) *Capture {
	return &Capture{
		id:        id,
		userID:    userID,
		state:     StateImageSelected,
		raw:       raw,
		filename:  raw.Filename,
		updatedAt: raw.CapturedAt,
	}
}

// begin moves into a busy state if the capture is at one of from, or in
// Error with one of from as its resume point. It returns the generation
// the caller must present when finishing and the state it started from.
func (c *Capture) begin(to State, now time.Time, from ...State) (int, State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.busy() {
		return 0, "", failure.Newf(failure.Conflict, "capture "+c.id, "%s already in progress", c.state)
	}
	current := c.state
	if current == StateError {
		current = c.resume
	}
	allowed := false
	for _, s := range from {
		if current == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return 0, "", failure.Newf(failure.Conflict, "capture "+c.id, "cannot move to %s from %s", to, c.state)
	}

	c.state = to
	c.resume = ""
	c.err = nil
	c.updatedAt = now
	return c.generation, current, nil
}

// current reports whether gen still owns the capture at state
func (c *Capture) current(gen int, state State) bool {
	return c.generation == gen && c.state == state
}

// fail records err and the state a retry resumes from. Results from a
// stale generation are ignored.
func (c *Capture) fail(gen int, from State, err error, resume State, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.current(gen, from) {
		return false
	}
	c.state = StateError
	c.resume = resume
	c.err = err
	c.updatedAt = now
	return true
}

func (c *Capture) uploaded(gen int, path, imageURL string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.current(gen, StateUploading) {
		return false
	}
	c.state = StateUploaded
	c.path = path
	c.imageURL = imageURL
	// the selected bytes are no longer needed once a URL exists
	c.raw = nil
	c.updatedAt = now
	return true
}

func (c *Capture) parsed(gen int, response string, candidate *Candidate, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.current(gen, StateProcessing) {
		return false
	}
	c.state = StateParsed
	c.response = response
	c.candidate = candidate
	c.updatedAt = now
	return true
}

// malformed keeps the offending response for diagnosis. A candidate from
// an earlier run survives when resuming to Parsed.
func (c *Capture) malformed(gen int, response string, err error, resume State, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.current(gen, StateProcessing) {
		return false
	}
	c.state = StateError
	c.resume = resume
	c.response = response
	if resume != StateParsed {
		c.candidate = nil
	}
	c.err = err
	c.updatedAt = now
	return true
}

func (c *Capture) saved(gen int, record *Receipt, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.current(gen, StateSaving) {
		return false
	}
	c.state = StateSaved
	c.record = record
	c.updatedAt = now
	return true
}

// reset returns a saved capture to Idle, dropping the working data
func (c *Capture) reset(gen int, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.current(gen, StateSaved) {
		return false
	}
	c.state = StateIdle
	c.raw = nil
	c.candidate = nil
	c.response = ""
	c.generation++
	c.updatedAt = now
	return true
}

// revise replaces the candidate while awaiting confirmation
func (c *Capture) revise(candidate *Candidate, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.state
	if current == StateError {
		current = c.resume
	}
	if current != StateParsed || c.state.busy() {
		return failure.Newf(failure.Conflict, "capture "+c.id, "cannot revise from %s", c.state)
	}
	c.state = StateParsed
	c.resume = ""
	c.err = nil
	c.candidate = candidate
	c.updatedAt = now
	return nil
}

// abandon invalidates any in-flight work and returns the uploaded path if
// the image never made it into a saved record
func (c *Capture) abandon() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	c.raw = nil
	orphan := c.record == nil && c.path != ""
	return c.path, orphan
}

// snapshot reads the fields a step needs without holding the lock during I/O
func (c *Capture) snapshot() (raw *RawCapture, imageURL string, candidate *Candidate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw, c.imageURL, c.candidate
}

// View renders the capture for clients
func (c *Capture) View() *CaptureView {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := &CaptureView{
		ID:          c.id,
		State:       c.state,
		ResumeState: c.resume,
		Filename:    c.filename,
		ImageURL:    c.imageURL,
		Candidate:   c.candidate,
		Receipt:     c.record,
		UpdatedAt:   c.updatedAt,
	}
	if c.err != nil {
		v.Error = &ErrorView{Kind: failure.KindOf(c.err), Message: c.err.Error()}
		if v.Error.Kind == failure.MalformedResponse {
			v.RawResponse = c.response
		}
	}
	return v
}

// CaptureStore holds the in-flight captures of all users
type CaptureStore struct {
	mu       sync.Mutex
	captures map[string]*Capture
	ttl      time.Duration
}

// NewCaptureStore creates a store that forgets idle captures after ttl
func NewCaptureStore(ttl time.Duration) *CaptureStore {
	return &CaptureStore{
		captures: make(map[string]*Capture),
		ttl:      ttl,
	}
}

// add tracks c and evicts every capture untouched for longer than the TTL
// that has no boundary call in flight. The evicted captures are returned so
// their uploaded images can be cleaned up.
func (s *CaptureStore) add(c *Capture, now time.Time) []*Capture {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*Capture
	if s.ttl > 0 {
		for id, existing := range s.captures {
			existing.mu.Lock()
			stale := !existing.state.busy() && now.Sub(existing.updatedAt) > s.ttl
			existing.mu.Unlock()
			if stale {
				delete(s.captures, id)
				expired = append(expired, existing)
			}
		}
	}
	s.captures[c.id] = c
	return expired
}

// get returns userID's capture; other users' captures are reported missing
func (s *CaptureStore) get(userID, id string) (*Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.captures[id]
	if !ok || c.userID != userID {
		return nil, failure.Newf(failure.NotFound, "getting capture", "capture not found: %s", id)
	}
	return c, nil
}

func (s *CaptureStore) remove(userID, id string) (*Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.captures[id]
	if !ok || c.userID != userID {
		return nil, failure.Newf(failure.NotFound, "abandoning capture", "capture not found: %s", id)
	}
	delete(s.captures, id)
	return c, nil
}

// Len returns the number of tracked captures
func (s *CaptureStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.captures)
}
