package services

import (
	"context"
	"time"

	"github.com/soaringjerry/intake/internal/models"
)

// SubmissionTx is the set of reads and writes available inside a transaction.
type SubmissionTx interface {
	// FindByPhone returns every record whose mobile or phone equals phone.
	FindByPhone(ctx context.Context, phone string) ([]*models.Submission, error)
	FindByEmail(ctx context.Context, email string) ([]*models.Submission, error)
	// FindStartedByPhone returns the STARTED record for phone, or nil.
	FindStartedByPhone(ctx context.Context, phone string) (*models.Submission, error)
	GetByEmail(ctx context.Context, email string) (*models.Submission, error)
	GetByID(ctx context.Context, id uint) (*models.Submission, error)
	CreateSubmission(ctx context.Context, s *models.Submission) error
	// UpdateSubmission writes only the named columns of s.
	UpdateSubmission(ctx context.Context, s *models.Submission, columns ...string) error
	// SwapCounter sets the counter column to next only while it still holds
	// prev, and reports whether it did.
	SwapCounter(ctx context.Context, id uint, column string, prev, next int) (bool, error)
	AppendHistory(ctx context.Context, e *models.HistoryEntry) error
	FindIdempotent(ctx context.Context, key string) (*models.HistoryEntry, error)
}

// SubmissionStore is the persistence collaborator.
type SubmissionStore interface {
	SubmissionTx
	// Transaction runs fn atomically; any error rolls every write back.
	Transaction(ctx context.Context, fn func(tx SubmissionTx) error) error
	ListStalledSurveys(ctx context.Context, cutoff time.Time) ([]*models.Submission, error)
	ListPendingStepB(ctx context.Context) ([]*models.Submission, error)
	ListHistory(ctx context.Context, submissionID uint) ([]*models.HistoryEntry, error)
}

// SendResult is the outcome of one outbound message.
type SendResult struct {
	Success bool
	ID      string
	Error   string
}

// Messenger delivers a text message. Implementations never return an error;
// failures are reported through SendResult.
type Messenger interface {
	Send(ctx context.Context, to, body string) SendResult
}

// UploadFile describes a file the client intends to upload.
type UploadFile struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
}

// PresignedUpload is a direct-upload slot. A nil URL means object storage is
// not configured and the client must fall back to another upload path.
type PresignedUpload struct {
	Key         string  `json:"key"`
	URL         *string `json:"url"`
	ContentType string  `json:"contentType"`
	Mock        bool    `json:"mock,omitempty"`
}

// ObjectStore issues upload slots and removes stored objects.
type ObjectStore interface {
	// OwnerPrefix is the key prefix every object uploaded for owner carries.
	OwnerPrefix(owner string) string
	Presign(ctx context.Context, owner string, files []UploadFile) ([]PresignedUpload, error)
	Delete(ctx context.Context, keys []string) error
}

// Event is a committed lifecycle change mirrored to downstream consumers.
type Event struct {
	Type         string         `json:"type"`
	SubmissionID uint           `json:"submissionId"`
	At           time.Time      `json:"at"`
	Data         map[string]any `json:"data,omitempty"`
}

// EventPublisher fans committed events out.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, Event) error { return nil }

// NoopPublisher discards events.
var NoopPublisher EventPublisher = noopPublisher{}
