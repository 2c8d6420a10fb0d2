package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/soaringjerry/intake/internal/logging"
	"github.com/soaringjerry/intake/internal/models"
)

const DefaultMaxResends = 3

// Number accepts a JSON number, a numeric string, or an empty value.
type Number struct {
	v  float64
	ok bool
}

func NewNumber(v float64) Number { return Number{v: v, ok: true} }

func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*n = Number{}
		return nil
	}
	raw := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			*n = Number{}
			return nil
		}
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("not a number: %q", raw)
	}
	*n = Number{v: v, ok: true}
	return nil
}

// or returns n when it holds a value, else alt.
func (n Number) or(alt Number) Number {
	if n.ok {
		return n
	}
	return alt
}

func (n Number) ptr() *float64 {
	if !n.ok {
		return nil
	}
	v := n.v
	return &v
}

// StepBPayload lists every field the Step-B form may write. Anything else in
// the request body is ignored.
type StepBPayload struct {
	FirstName              string `json:"firstName"`
	LastName               string `json:"lastName"`
	DateOfBirth            string `json:"dateOfBirth"`
	StreetAddress          string `json:"streetAddress"`
	Address                string `json:"address"`
	PostalAddress          string `json:"postal_address"`
	Country                string `json:"country"`
	Age                    Number `json:"age"`
	Gender                 string `json:"gender"`
	HeightFeet             Number `json:"heightFeet"`
	HeightInches           Number `json:"heightInches"`
	HeightCm               Number `json:"heightCm"`
	WeightLbs              Number `json:"weightLbs"`
	WeightKg               Number `json:"weightKg"`
	HeightCmAlias          Number `json:"height_cm"`
	WeightLbsAlias         Number `json:"weight_lbs"`
	WeightKgAlias          Number `json:"weight_kg"`
	InterestedProcedure    string `json:"interestedProcedure"`
	PriorWeightLossSurgery *bool  `json:"priorWeightLossSurgery"`
	WheelchairUsage        *bool  `json:"wheelchairUsage"`
	HasSecondaryInsurance  *bool  `json:"hasSecondaryInsurance"`
	InsuranceEmployerName  string `json:"insuranceEmployerName"`

	// ImageObjects replaces the stored set when present; nil keeps it.
	ImageObjects []models.ImageObject `json:"imageObjects"`
}

type StepBSubmitResult struct {
	Success       bool     `json:"success"`
	Message       string   `json:"message"`
	BMI           *float64 `json:"bmi,omitempty"`
	RemovedImages []string `json:"removedImages,omitempty"`
}

type StepBStatus struct {
	Success          bool       `json:"success"`
	StepBCompleted   bool       `json:"stepBCompleted"`
	StepBNudgeCount  int        `json:"stepBNudgeCount"`
	StepBCompletedAt *time.Time `json:"stepBCompletedAt,omitempty"`
}

type StepBResendResult struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	StepBNudgeCount int    `json:"stepBNudgeCount"`
}

// StepBService serves the token-gated second phase of the intake.
type StepBService struct {
	deps
	tokens     *TokenIssuer
	objects    ObjectStore
	msgs       Messages
	maxResends int
}

func NewStepBService(store SubmissionStore, messenger Messenger, objects ObjectStore, tokens *TokenIssuer, msgs Messages, log *zap.Logger) *StepBService {
	return &StepBService{deps: newDeps(store, messenger, log), tokens: tokens, objects: objects, msgs: msgs, maxResends: DefaultMaxResends}
}

func (s *StepBService) WithPublisher(p EventPublisher) *StepBService {
	s.events = p
	return s
}

func (s *StepBService) WithClock(now func() time.Time) *StepBService {
	s.now = now
	return s
}

func (s *StepBService) WithMaxResends(n int) *StepBService {
	if n >= 0 {
		s.maxResends = n
	}
	return s
}

// lookup resolves a token to its submission outside any transaction.
func (s *StepBService) lookup(ctx context.Context, token string) (*models.Submission, error) {
	email, err := s.tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	sub, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("load submission: %w", err)
	}
	if sub == nil {
		return nil, NewNotFoundError("submission not found")
	}
	return sub, nil
}

// Presign returns direct-upload slots for the token holder's images.
func (s *StepBService) Presign(ctx context.Context, token string, files []UploadFile) ([]PresignedUpload, error) {
	sub, err := s.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	files = lo.Filter(files, func(f UploadFile, _ int) bool { return strings.TrimSpace(f.Name) != "" })
	if len(files) == 0 {
		return nil, NewInvalidError("files required")
	}
	if s.objects == nil {
		return nil, fmt.Errorf("object store not configured")
	}
	out, err := s.objects.Presign(ctx, sub.EmailValue(), files)
	if err != nil {
		return nil, fmt.Errorf("presign uploads: %w", err)
	}
	return out, nil
}

// Status reports Step-B progress for the token holder.
func (s *StepBService) Status(ctx context.Context, token string) (*StepBStatus, error) {
	sub, err := s.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	return &StepBStatus{Success: true, StepBCompleted: sub.StepBCompleted, StepBNudgeCount: sub.StepBNudgeCount, StepBCompletedAt: sub.StepBCompletedAt}, nil
}

func intPtr(v int) *int { return &v }

func floatOf(p *int) *float64 {
	if p == nil {
		return nil
	}
	v := float64(*p)
	return &v
}

// applyStepB merges the payload into sub and returns the columns it set.
func applyStepB(sub *models.Submission, p StepBPayload) []string {
	var cols []string
	text := func(col string, dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
			cols = append(cols, col)
		}
	}
	flag := func(col string, dst *bool, v *bool) {
		if v != nil {
			*dst = *v
			cols = append(cols, col)
		}
	}
	text(models.ColFirstName, &sub.FirstName, p.FirstName)
	text(models.ColLastName, &sub.LastName, p.LastName)
	text(models.ColDateOfBirth, &sub.DateOfBirth, p.DateOfBirth)
	text(models.ColStreetAddress, &sub.StreetAddress, p.StreetAddress)
	text(models.ColAddress, &sub.Address, p.Address)
	text(models.ColPostalAddress, &sub.PostalAddress, p.PostalAddress)
	text(models.ColCountry, &sub.Country, p.Country)
	text(models.ColGender, &sub.Gender, p.Gender)
	text(models.ColInterestedProcedure, &sub.InterestedProcedure, p.InterestedProcedure)
	text(models.ColInsuranceEmployerName, &sub.InsuranceEmployerName, p.InsuranceEmployerName)
	flag(models.ColPriorWeightLossSurgery, &sub.PriorWeightLossSurgery, p.PriorWeightLossSurgery)
	flag(models.ColWheelchairUsage, &sub.WheelchairUsage, p.WheelchairUsage)
	flag(models.ColHasSecondaryInsurance, &sub.HasSecondaryInsurance, p.HasSecondaryInsurance)
	if p.Age.ok && p.Age.v > 0 {
		sub.Age = intPtr(int(p.Age.v))
		cols = append(cols, models.ColAge)
	}
	if lo.Contains(cols, models.ColFirstName) || lo.Contains(cols, models.ColLastName) {
		sub.Name = FullName("", sub.FirstName, sub.LastName)
		cols = append(cols, models.ColName)
	}

	incoming := Measurements{
		HeightFeet: p.HeightFeet.ptr(), HeightInches: p.HeightInches.ptr(), HeightCm: p.HeightCm.or(p.HeightCmAlias).ptr(),
		WeightLbs: p.WeightLbs.or(p.WeightLbsAlias).ptr(), WeightKg: p.WeightKg.or(p.WeightKgAlias).ptr(),
	}
	stored := Measurements{HeightFeet: floatOf(sub.HeightFeet), HeightInches: floatOf(sub.HeightInches), WeightLbs: sub.WeightLbs}
	if m, ok := ResolveBMI(incoming, stored); ok {
		sub.BMI = &m.BMI
		sub.WeightLbs = &m.WeightLbs
		sub.HeightFeet = intPtr(m.HeightFeet)
		sub.HeightInches = intPtr(m.HeightInches)
		cols = append(cols, models.ColBMI, models.ColWeightLbs, models.ColHeightFeet, models.ColHeightInches)
	}
	return cols
}

// reconcileImages replaces the stored image set and returns keys no longer
// referenced. Keys outside prefix are neither stored nor returned for deletion.
func reconcileImages(sub *models.Submission, next []models.ImageObject, prefix string) []string {
	owned := func(key string) bool { return key != "" && strings.HasPrefix(key, prefix) }
	next = lo.Filter(next, func(o models.ImageObject, _ int) bool { return owned(o.Key) })
	keep := lo.Map(next, func(o models.ImageObject, _ int) string { return o.Key })
	old := lo.Uniq(lo.FilterMap(sub.Images(), func(o models.ImageObject, _ int) (string, bool) { return o.Key, owned(o.Key) }))
	sub.ImageObjects = datatypes.NewJSONType(next)
	return lo.Without(old, keep...)
}

// ownerPrefix is the key prefix of email's uploads, or "" without an object store.
func (s *StepBService) ownerPrefix(email string) string {
	if s.objects == nil {
		return ""
	}
	return s.objects.OwnerPrefix(email)
}

// Submit stores the Step-B form for the token holder and marks the phase complete.
func (s *StepBService) Submit(ctx context.Context, token string, p StepBPayload) (*StepBSubmitResult, error) {
	email, err := s.tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	res := &StepBSubmitResult{Success: true, Message: "Submission saved"}
	box := &outbox{}
	err = s.store.Transaction(ctx, func(tx SubmissionTx) error {
		sub, err := tx.GetByEmail(ctx, email)
		if err != nil {
			return fmt.Errorf("load submission: %w", err)
		}
		if sub == nil {
			return NewNotFoundError("submission not found")
		}
		now := s.now()
		cols := applyStepB(sub, p)
		if p.ImageObjects != nil {
			res.RemovedImages = reconcileImages(sub, p.ImageObjects, s.ownerPrefix(sub.EmailValue()))
			cols = append(cols, models.ColImageObjects)
		}
		sub.StepBCompleted = true
		sub.StepBCompletedAt = &now
		cols = append(cols, models.ColStepBCompleted, models.ColStepBCompletedAt)
		if err := updateSubmission(ctx, tx, sub, cols); err != nil {
			return err
		}
		data := map[string]any{"changed": cols, "bmi": sub.BMI, "removedImages": res.RemovedImages, "imageCount": len(sub.Images())}
		if err := appendHistory(ctx, tx, sub.ID, ChangeStepBSubmit, data, now); err != nil {
			return err
		}
		res.BMI = sub.BMI
		box.sms(sub.ID, sub.ContactPhone(), s.msgs.StepBCompleted(), "stepb-complete")
		box.event(EventStepBCompleted, sub.ID, now, map[string]any{"bmi": sub.BMI})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(res.RemovedImages) > 0 && s.objects != nil {
		if err := s.objects.Delete(ctx, res.RemovedImages); err != nil {
			s.log.Error("delete replaced images", zap.Strings("keys", res.RemovedImages), zap.Error(err))
		}
	}
	s.flush(ctx, box)
	return res, nil
}

// Resend reissues the Step-B link on request, up to the configured maximum.
func (s *StepBService) Resend(ctx context.Context, email string) (*StepBResendResult, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, NewInvalidError("email required")
	}
	res := &StepBResendResult{Success: true, Message: "Resent"}
	box := &outbox{}
	err := s.store.Transaction(ctx, func(tx SubmissionTx) error {
		sub, err := tx.GetByEmail(ctx, email)
		if err != nil {
			return fmt.Errorf("load submission: %w", err)
		}
		if sub == nil {
			return NewNotFoundError("not found")
		}
		if sub.StepBNudgeCount >= s.maxResends {
			return NewLimitExceededError("max resends reached")
		}
		to := sub.ContactPhone()
		if to == "" {
			return NewInvalidError("no phone number on record")
		}
		now := s.now()
		cols, err := issueToken(s.tokens, sub)
		if err != nil {
			return err
		}
		sub.StepBNudgeCount++
		sub.StepBLastNudgeAt = &now
		cols = append(cols, models.ColStepBNudgeCount, models.ColStepBLastNudgeAt)
		if err := updateSubmission(ctx, tx, sub, cols); err != nil {
			return err
		}
		if err := appendHistory(ctx, tx, sub.ID, ChangeStepBResend, map[string]any{"count": sub.StepBNudgeCount}, now); err != nil {
			return err
		}
		s.log.Info("step-b link resent", zap.Uint("submission_id", sub.ID), zap.Int("count", sub.StepBNudgeCount), zap.String("token", logging.TokenPrefix(sub.TokenValue())))
		res.StepBNudgeCount = sub.StepBNudgeCount
		box.sms(sub.ID, to, s.msgs.Resend(sub.TokenValue()), "stepb-resend")
		box.event(EventStepBResent, sub.ID, now, map[string]any{"count": sub.StepBNudgeCount})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, box)
	return res, nil
}
