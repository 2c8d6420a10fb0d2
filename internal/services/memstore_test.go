package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/soaringjerry/intake/internal/models"
)

// memStore is an in-memory SubmissionStore with snapshot rollback.
type memStore struct {
	mu      sync.Mutex
	subs    map[uint]*models.Submission
	history []*models.HistoryEntry
	nextID  uint
	nextHID uint

	failUpdateFor map[uint]bool
	failScan      error
}

func newMemStore() *memStore {
	return &memStore{subs: map[uint]*models.Submission{}, failUpdateFor: map[uint]bool{}}
}

var errInjected = errors.New("injected failure")

func (m *memStore) seed(s *models.Submission) *models.Submission {
	m.nextID++
	s.ID = m.nextID
	if s.Status == "" {
		s.Status = models.StatusStarted
	}
	m.subs[s.ID] = s.Clone()
	return s
}

func (m *memStore) get(id uint) *models.Submission {
	if s, ok := m.subs[id]; ok {
		return s.Clone()
	}
	return nil
}

func (m *memStore) filter(fn func(*models.Submission) bool) []*models.Submission {
	var out []*models.Submission
	for _, s := range m.subs {
		if fn(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) FindByPhone(_ context.Context, phone string) ([]*models.Submission, error) {
	return m.filter(func(s *models.Submission) bool { return s.MobileValue() == phone || s.Phone == phone }), nil
}

func (m *memStore) FindByEmail(_ context.Context, email string) ([]*models.Submission, error) {
	return m.filter(func(s *models.Submission) bool { return s.EmailValue() == email }), nil
}

func (m *memStore) FindStartedByPhone(ctx context.Context, phone string) (*models.Submission, error) {
	subs := m.filter(func(s *models.Submission) bool {
		return s.Status == models.StatusStarted && (s.MobileValue() == phone || s.Phone == phone)
	})
	if len(subs) == 0 {
		return nil, nil
	}
	return subs[0], nil
}

func (m *memStore) GetByEmail(ctx context.Context, email string) (*models.Submission, error) {
	subs, _ := m.FindByEmail(ctx, email)
	if len(subs) == 0 {
		return nil, nil
	}
	return subs[0], nil
}

func (m *memStore) GetByID(_ context.Context, id uint) (*models.Submission, error) {
	return m.get(id), nil
}

func (m *memStore) unique(s *models.Submission) error {
	for id, o := range m.subs {
		if id == s.ID {
			continue
		}
		if s.Email != nil && o.EmailValue() == *s.Email {
			return ErrDuplicate
		}
		if s.Mobile != nil && o.MobileValue() == *s.Mobile {
			return ErrDuplicate
		}
	}
	return nil
}

func (m *memStore) CreateSubmission(_ context.Context, s *models.Submission) error {
	if err := m.unique(s); err != nil {
		return err
	}
	m.nextID++
	s.ID = m.nextID
	s.CreatedAt = s.CreatedAtUTC
	m.subs[s.ID] = s.Clone()
	return nil
}

func (m *memStore) UpdateSubmission(_ context.Context, s *models.Submission, _ ...string) error {
	if m.failUpdateFor[s.ID] {
		return errInjected
	}
	if _, ok := m.subs[s.ID]; !ok {
		return errors.New("no such submission")
	}
	if err := m.unique(s); err != nil {
		return err
	}
	m.subs[s.ID] = s.Clone()
	return nil
}

func (m *memStore) SwapCounter(_ context.Context, id uint, column string, prev, next int) (bool, error) {
	if m.failUpdateFor[id] {
		return false, errInjected
	}
	s, ok := m.subs[id]
	if !ok {
		return false, nil
	}
	var counter *int
	switch column {
	case models.ColStepBNudgeCount:
		counter = &s.StepBNudgeCount
	case models.ColSurveyNudgeCount:
		counter = &s.SurveyNudgeCount
	default:
		return false, errors.New("not a counter column: " + column)
	}
	if *counter != prev {
		return false, nil
	}
	*counter = next
	return true, nil
}

func (m *memStore) AppendHistory(_ context.Context, e *models.HistoryEntry) error {
	if e.IdempotencyKey != nil {
		for _, h := range m.history {
			if h.IdempotencyKey != nil && *h.IdempotencyKey == *e.IdempotencyKey {
				return ErrDuplicate
			}
		}
	}
	m.nextHID++
	e.ID = m.nextHID
	cp := *e
	m.history = append(m.history, &cp)
	return nil
}

func (m *memStore) FindIdempotent(_ context.Context, key string) (*models.HistoryEntry, error) {
	for _, h := range m.history {
		if h.IdempotencyKey != nil && *h.IdempotencyKey == key {
			cp := *h
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) Transaction(_ context.Context, fn func(tx SubmissionTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := map[uint]*models.Submission{}
	for id, s := range m.subs {
		subs[id] = s.Clone()
	}
	history := append([]*models.HistoryEntry(nil), m.history...)
	nextID, nextHID := m.nextID, m.nextHID
	if err := fn(m); err != nil {
		m.subs, m.history, m.nextID, m.nextHID = subs, history, nextID, nextHID
		return err
	}
	return nil
}

func (m *memStore) ListStalledSurveys(_ context.Context, cutoff time.Time) ([]*models.Submission, error) {
	if m.failScan != nil {
		return nil, m.failScan
	}
	return m.filter(func(s *models.Submission) bool {
		return s.Status == models.StatusStarted && !s.LastActive.IsZero() && !s.LastActive.After(cutoff)
	}), nil
}

func (m *memStore) ListPendingStepB(context.Context) ([]*models.Submission, error) {
	return m.filter(func(s *models.Submission) bool { return !s.StepBCompleted }), nil
}

func (m *memStore) ListHistory(_ context.Context, id uint) ([]*models.HistoryEntry, error) {
	var out []*models.HistoryEntry
	for _, h := range m.history {
		if h.SubmissionID == id {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) changeTypes(id uint) []string {
	var out []string
	for _, h := range m.history {
		if h.SubmissionID == id {
			out = append(out, h.ChangeType)
		}
	}
	return out
}

type sentSMS struct {
	To   string
	Body string
}

// fakeMessenger records every send; numbers in fail are rejected.
type fakeMessenger struct {
	mu   sync.Mutex
	sent []sentSMS
	fail map[string]bool
}

func newFakeMessenger() *fakeMessenger { return &fakeMessenger{fail: map[string]bool{}} }

func (f *fakeMessenger) Send(_ context.Context, to, body string) SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[to] {
		return SendResult{Error: "undeliverable"}
	}
	f.sent = append(f.sent, sentSMS{To: to, Body: body})
	return SendResult{Success: true, ID: "SM" + to}
}

func (f *fakeMessenger) bodiesTo(to string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if s.To == to {
			out = append(out, s.Body)
		}
	}
	return out
}

type fakeObjects struct {
	deleted [][]string
	err     error
}

func (f *fakeObjects) OwnerPrefix(owner string) string { return "images/" + owner + "/" }

func (f *fakeObjects) Presign(_ context.Context, owner string, files []UploadFile) ([]PresignedUpload, error) {
	out := make([]PresignedUpload, 0, len(files))
	for _, file := range files {
		out = append(out, PresignedUpload{Key: f.OwnerPrefix(owner) + file.Name, ContentType: file.ContentType, Mock: true})
	}
	return out, nil
}

func (f *fakeObjects) Delete(_ context.Context, keys []string) error {
	f.deleted = append(f.deleted, keys)
	return f.err
}

type recordingPublisher struct {
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) error {
	p.events = append(p.events, ev)
	return nil
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

var testQuestions = []string{"How old are you?", "What is your height?", "What is your weight?"}

func testMessages() Messages {
	return Messages{FormBaseURL: "https://forms.example.com", SchedulingURL: "https://cal.example.com/book", Questions: testQuestions}
}
