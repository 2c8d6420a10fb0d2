package services

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/soaringjerry/intake/internal/models"
)

// Resolution is the outcome of matching an incoming contact against stored records.
// Existing is nil when nothing matched.
type Resolution struct {
	Existing *models.Submission
	ByPhone  bool
}

func submissionIDs(subs []*models.Submission) []uint {
	return lo.Map(subs, func(s *models.Submission, _ int) uint { return s.ID })
}

// Resolve finds the single record an email/phone pair refers to. Both inputs
// must already be normalized; either may be empty.
func Resolve(ctx context.Context, tx SubmissionTx, email, phone string) (*Resolution, error) {
	var byPhone, byEmail []*models.Submission
	var err error
	if phone != "" {
		if byPhone, err = tx.FindByPhone(ctx, phone); err != nil {
			return nil, fmt.Errorf("find by phone: %w", err)
		}
	}
	if len(byPhone) > 1 {
		return nil, NewConflictError("multiple records found for phone", submissionIDs(byPhone)...)
	}
	if email != "" {
		if byEmail, err = tx.FindByEmail(ctx, email); err != nil {
			return nil, fmt.Errorf("find by email: %w", err)
		}
	}
	if len(byEmail) > 1 {
		return nil, NewConflictError("multiple records found for email", submissionIDs(byEmail)...)
	}
	switch {
	case len(byPhone) == 1 && len(byEmail) == 1 && byPhone[0].ID != byEmail[0].ID:
		return nil, NewConflictError("phone and email belong to different records", byPhone[0].ID, byEmail[0].ID)
	case len(byPhone) == 1:
		return &Resolution{Existing: byPhone[0], ByPhone: true}, nil
	case len(byEmail) == 1:
		return &Resolution{Existing: byEmail[0]}, nil
	}
	return &Resolution{}, nil
}

// Contact is the identity portion of an incoming payload, already normalized.
type Contact struct {
	Name      string
	FirstName string
	LastName  string
	Email     string
	Phone     string
}

// DiffRegistration applies the non-empty fields of in to s and returns the
// columns that changed. Empty incoming values never overwrite stored ones.
func DiffRegistration(s *models.Submission, in Contact) []string {
	var changed []string
	set := func(col string, cur *string, next string) {
		if next != "" && *cur != next {
			*cur = next
			changed = append(changed, col)
		}
	}
	set(models.ColFirstName, &s.FirstName, in.FirstName)
	set(models.ColLastName, &s.LastName, in.LastName)
	if in.Name != "" || in.FirstName != "" || in.LastName != "" {
		set(models.ColName, &s.Name, FullName(in.Name, lo.Ternary(in.FirstName != "", in.FirstName, s.FirstName), lo.Ternary(in.LastName != "", in.LastName, s.LastName)))
	}
	if in.Email != "" && s.EmailValue() != in.Email {
		s.Email = models.StringPtr(in.Email)
		changed = append(changed, models.ColEmail)
	}
	if in.Phone != "" {
		if s.MobileValue() != in.Phone {
			s.Mobile = models.StringPtr(in.Phone)
			changed = append(changed, models.ColMobile)
		}
		set(models.ColPhone, &s.Phone, in.Phone)
	}
	return changed
}

// contactChanged reports whether any column that routes outbound messages changed.
func contactChanged(changed []string) bool {
	return lo.Some(changed, []string{models.ColEmail, models.ColMobile, models.ColPhone})
}
