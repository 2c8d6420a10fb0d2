package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/soaringjerry/intake/internal/logging"
	"github.com/soaringjerry/intake/internal/models"
)

type RegisterRequest struct {
	Name           string `json:"name"`
	FirstName      string `json:"firstName"`
	LastName       string `json:"lastName"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	Mobile         string `json:"mobile"`
	ConfirmUpdate  bool   `json:"confirmUpdate"`
	RestartSurvey  bool   `json:"restartSurvey"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type SurveyState struct {
	Status      models.SurveyStatus `json:"status"`
	CurrentStep int                 `json:"current_step"`
}

// RegisterResponse is the body returned for a registration attempt. Recorded
// responses are replayed verbatim for a repeated idempotency key.
type RegisterResponse struct {
	Status              string       `json:"status"`
	Message             string       `json:"message"`
	ID                  uint         `json:"id,omitempty"`
	ExistingUserID      uint         `json:"existingUserId,omitempty"`
	Note                string       `json:"note,omitempty"`
	PhoneLast4          string       `json:"phoneLast4,omitempty"`
	PromptRestartSurvey bool         `json:"promptRestartSurvey,omitempty"`
	CurrentSurveyStatus *SurveyState `json:"currentSurveyStatus,omitempty"`
	Changed             []string     `json:"changed,omitempty"`
	RestartApplied      bool         `json:"restartApplied,omitempty"`

	Replayed bool `json:"-"`
}

const (
	RegisterCreated = "created"
	RegisterExists  = "exists"
	RegisterUpdated = "updated"
)

type idempotencyRecord struct {
	IdempotencyKey string            `json:"idempotencyKey"`
	Response       *RegisterResponse `json:"response"`
}

var errKeyTaken = errors.New("idempotency key already recorded")

// RegistrationService owns every path that creates or edits a participant's identity.
type RegistrationService struct {
	deps
	tokens *TokenIssuer
	msgs   Messages
}

func NewRegistrationService(store SubmissionStore, messenger Messenger, tokens *TokenIssuer, msgs Messages, log *zap.Logger) *RegistrationService {
	return &RegistrationService{deps: newDeps(store, messenger, log), tokens: tokens, msgs: msgs}
}

func (s *RegistrationService) WithPublisher(p EventPublisher) *RegistrationService {
	s.events = p
	return s
}

func (s *RegistrationService) WithClock(now func() time.Time) *RegistrationService {
	s.now = now
	return s
}

func (r RegisterRequest) contact() Contact {
	phone := r.Phone
	if strings.TrimSpace(phone) == "" {
		phone = r.Mobile
	}
	return Contact{
		Name:      strings.TrimSpace(r.Name),
		FirstName: strings.TrimSpace(r.FirstName),
		LastName:  strings.TrimSpace(r.LastName),
		Email:     NormalizeEmail(r.Email),
		Phone:     NormalizePhone(phone),
	}
}

func validateContact(c Contact) error {
	if c.Name == "" && (c.FirstName == "" || c.LastName == "") {
		return NewInvalidError("name or firstName+lastName required")
	}
	if c.Email == "" {
		return NewInvalidError("email required")
	}
	if !strings.Contains(c.Email, "@") {
		return NewInvalidError("email is not valid")
	}
	if c.Phone == "" {
		return NewInvalidError("phone required")
	}
	return nil
}

// Register creates a participant, or reports and optionally updates the one the
// contact already belongs to.
func (s *RegistrationService) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	c := req.contact()
	if err := validateContact(c); err != nil {
		return nil, err
	}
	key := strings.TrimSpace(req.IdempotencyKey)

	var resp *RegisterResponse
	box := &outbox{}
	err := s.store.Transaction(ctx, func(tx SubmissionTx) error {
		if key != "" {
			prev, err := replay(ctx, tx, key)
			if err != nil || prev != nil {
				resp = prev
				return err
			}
		}
		res, err := Resolve(ctx, tx, c.Email, c.Phone)
		if err != nil {
			return err
		}
		switch {
		case res.Existing == nil:
			resp, err = s.create(ctx, tx, c, box)
		case !req.ConfirmUpdate:
			resp = existsResponse(res.Existing, c)
			return nil
		default:
			resp, err = s.update(ctx, tx, res.Existing, c, req.RestartSurvey, box)
		}
		if err != nil || key == "" || (resp.Status == RegisterUpdated && len(resp.Changed) == 0) {
			return err
		}
		return recordIdempotency(ctx, tx, resp, key, s.now())
	})
	if errors.Is(err, errKeyTaken) {
		// A concurrent request with the same key committed first.
		return s.replayCommitted(ctx, key)
	}
	if err != nil {
		return nil, err
	}
	if resp.Replayed {
		s.log.Info("register replayed", zap.String("idempotency_key", key))
		return resp, nil
	}
	s.flush(ctx, box)
	return resp, nil
}

func replay(ctx context.Context, tx SubmissionTx, key string) (*RegisterResponse, error) {
	prev, err := tx.FindIdempotent(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("find idempotency entry: %w", err)
	}
	if prev == nil {
		return nil, nil
	}
	var rec idempotencyRecord
	if err := json.Unmarshal(prev.Data, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency entry %d: %w", prev.ID, err)
	}
	if rec.Response == nil {
		return nil, fmt.Errorf("idempotency entry %d has no response", prev.ID)
	}
	rec.Response.Replayed = true
	return rec.Response, nil
}

func (s *RegistrationService) replayCommitted(ctx context.Context, key string) (*RegisterResponse, error) {
	resp, err := replay(ctx, s.store, key)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, NewConflictError("idempotency key in use")
	}
	return resp, nil
}

func recordIdempotency(ctx context.Context, tx SubmissionTx, resp *RegisterResponse, key string, now time.Time) error {
	raw, err := json.Marshal(idempotencyRecord{IdempotencyKey: key, Response: resp})
	if err != nil {
		return fmt.Errorf("encode idempotency entry: %w", err)
	}
	id := resp.ID
	if id == 0 {
		id = resp.ExistingUserID
	}
	e := &models.HistoryEntry{SubmissionID: id, ChangeType: ChangeIdempotency, IdempotencyKey: &key, Data: datatypes.JSON(raw), CreatedAt: now}
	if err := tx.AppendHistory(ctx, e); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return errKeyTaken
		}
		return fmt.Errorf("append idempotency entry: %w", err)
	}
	return nil
}

func existsResponse(existing *models.Submission, c Contact) *RegisterResponse {
	note := "User already exists"
	switch {
	case existing.MobileValue() != "" && existing.MobileValue() != c.Phone:
		note = "This email is registered with " + MaskLast4(existing.MobileValue())
	case existing.EmailValue() != "" && existing.EmailValue() != c.Email:
		note = "This phone is registered to " + existing.EmailValue()
	}
	return &RegisterResponse{
		Status:              RegisterExists,
		Message:             "User already exists. Do you want to update your information?",
		ExistingUserID:      existing.ID,
		Note:                note,
		PhoneLast4:          Last4(existing.ContactPhone()),
		PromptRestartSurvey: true,
		CurrentSurveyStatus: &SurveyState{Status: existing.Status, CurrentStep: existing.CurrentStep},
	}
}

// newSubmission derives every write-boundary field of a fresh record.
func newSubmission(c Contact, now time.Time) *models.Submission {
	return &models.Submission{
		Email:        models.StringPtr(c.Email),
		Mobile:       models.StringPtr(c.Phone),
		Phone:        c.Phone,
		FirstName:    c.FirstName,
		LastName:     c.LastName,
		Name:         FullName(c.Name, c.FirstName, c.LastName),
		Status:       models.StatusStarted,
		LastActive:   now,
		CreatedAtUTC: now,
		CreatedAtUS:  USTimestamp(now),
		Answers:      datatypes.NewJSONType(map[string]string{}),
		ImageObjects: datatypes.NewJSONType([]models.ImageObject{}),
	}
}

func createSubmission(ctx context.Context, tx SubmissionTx, sub *models.Submission) error {
	if err := tx.CreateSubmission(ctx, sub); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return NewConflictError("a record with this email or phone already exists")
		}
		return fmt.Errorf("create submission: %w", err)
	}
	return nil
}

func updateSubmission(ctx context.Context, tx SubmissionTx, sub *models.Submission, cols []string) error {
	if err := tx.UpdateSubmission(ctx, sub, cols...); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return NewConflictError("email or phone already belongs to another record", sub.ID)
		}
		return fmt.Errorf("update submission %d: %w", sub.ID, err)
	}
	return nil
}

// issueToken stamps a fresh Step-B token on sub and returns the columns it set.
func issueToken(tokens *TokenIssuer, sub *models.Submission) ([]string, error) {
	tok, issuedAt, err := tokens.Issue(sub.EmailValue())
	if err != nil {
		return nil, fmt.Errorf("issue step-b token: %w", err)
	}
	sub.StepBToken = &tok
	sub.StepBTokenIssuedAt = &issuedAt
	return []string{models.ColStepBToken, models.ColStepBTokenIssuedAt}, nil
}

func (s *RegistrationService) create(ctx context.Context, tx SubmissionTx, c Contact, box *outbox) (*RegisterResponse, error) {
	now := s.now()
	sub := newSubmission(c, now)
	if _, err := issueToken(s.tokens, sub); err != nil {
		return nil, err
	}
	if err := createSubmission(ctx, tx, sub); err != nil {
		return nil, err
	}
	payload := map[string]any{"name": sub.Name, "firstName": c.FirstName, "lastName": c.LastName, "email": c.Email, "phone": c.Phone}
	if err := appendHistory(ctx, tx, sub.ID, ChangeRegisterCreate, map[string]any{"payload": payload}, now); err != nil {
		return nil, err
	}
	s.log.Info("register created", zap.Uint("submission_id", sub.ID), zap.String("token", logging.TokenPrefix(sub.TokenValue())))
	box.sms(sub.ID, c.Phone, s.msgs.Registered(sub.TokenValue()), "register-create")
	box.event(EventSubmissionCreated, sub.ID, now, map[string]any{"source": "register"})
	return &RegisterResponse{Status: RegisterCreated, Message: "User created", ID: sub.ID, PhoneLast4: Last4(c.Phone)}, nil
}

func (s *RegistrationService) update(ctx context.Context, tx SubmissionTx, sub *models.Submission, c Contact, restart bool, box *outbox) (*RegisterResponse, error) {
	now := s.now()
	before := sub.Clone()
	changed := DiffRegistration(sub, c)
	if restart {
		cols, err := RestartSurvey(ctx, sub)
		if err != nil {
			return nil, err
		}
		changed = append(changed, cols...)
	}
	if len(changed) == 0 {
		return &RegisterResponse{Status: RegisterUpdated, Message: "No changes detected", ExistingUserID: sub.ID}, nil
	}
	sub.LastActive = now
	cols := append(append([]string{}, changed...), models.ColLastActive)
	reissue := contactChanged(changed)
	if reissue {
		tokenCols, err := issueToken(s.tokens, sub)
		if err != nil {
			return nil, err
		}
		sub.StepBCompleted = false
		cols = append(cols, append(tokenCols, models.ColStepBCompleted)...)
	}
	if err := updateSubmission(ctx, tx, sub, cols); err != nil {
		return nil, err
	}
	if err := appendHistory(ctx, tx, sub.ID, ChangeRegisterUpdate, snapshot{Before: before, After: sub, Changed: changed}, now); err != nil {
		return nil, err
	}
	to := sub.ContactPhone()
	if reissue {
		box.sms(sub.ID, to, s.msgs.Updated(sub.TokenValue()), "register-update")
	}
	if restart {
		box.sms(sub.ID, to, s.msgs.Question(0), "survey-restart")
		box.event(EventSurveyRestarted, sub.ID, now, nil)
	}
	box.event(EventSubmissionUpdated, sub.ID, now, map[string]any{"source": "register", "changed": changed})
	return &RegisterResponse{
		Status:         RegisterUpdated,
		Message:        "User updated",
		ExistingUserID: sub.ID,
		Changed:        changed,
		PhoneLast4:     Last4(to),
		RestartApplied: restart,
	}, nil
}

type InitialSubmitRequest struct {
	FirstName     string `json:"firstName"`
	LastName      string `json:"lastName"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
	Mobile        string `json:"mobile"`
	Consent       bool   `json:"consent"`
	DateOfBirth   string `json:"dateOfBirth"`
	StreetAddress string `json:"streetAddress"`
	Country       string `json:"country"`
}

type InitialSubmitResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	ID         uint   `json:"id"`
	Created    bool   `json:"created"`
	Note       string `json:"note"`
	PhoneLast4 string `json:"phoneLast4"`
}

// InitialSubmit handles the Step A form: upsert the participant and send a fresh Step-B link.
func (s *RegistrationService) InitialSubmit(ctx context.Context, req InitialSubmitRequest) (*InitialSubmitResponse, error) {
	c := RegisterRequest{Name: req.Name, FirstName: req.FirstName, LastName: req.LastName, Email: req.Email, Phone: req.Phone, Mobile: req.Mobile}.contact()
	var missing []string
	if c.Email == "" {
		missing = append(missing, "email")
	}
	if c.Phone == "" {
		missing = append(missing, "phone")
	}
	if len(missing) > 0 {
		return nil, NewInvalidError(strings.Join(missing, " and ") + " are required")
	}
	if !req.Consent {
		return nil, NewInvalidError("consent is required")
	}
	if c.FirstName == "" || c.LastName == "" {
		return nil, NewInvalidError("firstName and lastName are required")
	}

	resp := &InitialSubmitResponse{Success: true, Message: "Step B link sent", PhoneLast4: MaskLast4(c.Phone)}
	box := &outbox{}
	err := s.store.Transaction(ctx, func(tx SubmissionTx) error {
		res, err := Resolve(ctx, tx, c.Email, c.Phone)
		if err != nil {
			return err
		}
		now := s.now()
		sub := res.Existing
		var before *models.Submission
		if sub == nil {
			sub = newSubmission(c, now)
			resp.Created = true
		} else {
			before = sub.Clone()
			DiffRegistration(sub, c)
		}
		applyProfile(sub, req)
		sub.StepBCompleted = false
		if _, err := issueToken(s.tokens, sub); err != nil {
			return err
		}
		if resp.Created {
			if err := createSubmission(ctx, tx, sub); err != nil {
				return err
			}
			err = appendHistory(ctx, tx, sub.ID, ChangeInitialCreate, map[string]any{"email": c.Email, "firstName": c.FirstName, "lastName": c.LastName, "phone": c.Phone}, now)
		} else {
			cols := []string{models.ColEmail, models.ColMobile, models.ColPhone, models.ColFirstName, models.ColLastName, models.ColName,
				models.ColDateOfBirth, models.ColStreetAddress, models.ColCountry,
				models.ColStepBToken, models.ColStepBTokenIssuedAt, models.ColStepBCompleted}
			if err := updateSubmission(ctx, tx, sub, cols); err != nil {
				return err
			}
			err = appendHistory(ctx, tx, sub.ID, ChangeInitialUpdate, snapshot{Before: before, After: sub}, now)
		}
		if err != nil {
			return err
		}
		resp.ID = sub.ID
		resp.Note = initialNote(before, c)
		box.sms(sub.ID, c.Phone, s.msgs.InitialSubmitted(sub.TokenValue()), "initial-submit")
		box.event(lo.Ternary(resp.Created, EventSubmissionCreated, EventSubmissionUpdated), sub.ID, now, map[string]any{"source": "initial-submit"})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, box)
	return resp, nil
}

func applyProfile(sub *models.Submission, req InitialSubmitRequest) {
	if v := strings.TrimSpace(req.DateOfBirth); v != "" {
		sub.DateOfBirth = v
	}
	if v := strings.TrimSpace(req.StreetAddress); v != "" {
		sub.StreetAddress = v
	}
	if v := strings.TrimSpace(req.Country); v != "" {
		sub.Country = v
	}
}

func initialNote(before *models.Submission, c Contact) string {
	switch {
	case before == nil:
		return fmt.Sprintf("New registration created for email %s and phone ending %s.", c.Email, MaskLast4(c.Phone))
	case before.EmailValue() != "" && before.EmailValue() != c.Email:
		return fmt.Sprintf("This number was already registered to %s; updated to %s.", before.EmailValue(), c.Email)
	case before.MobileValue() != "" && before.MobileValue() != c.Phone:
		return fmt.Sprintf("This email was previously registered with a phone ending %s; updated to %s.", MaskLast4(before.MobileValue()), MaskLast4(c.Phone))
	}
	return fmt.Sprintf("Updated registration for %s and phone ending %s.", c.Email, MaskLast4(c.Phone))
}

type WebFormRequest struct {
	Name      string `json:"name"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Mobile    string `json:"mobile"`
	Email     string `json:"email"`
	Consent   bool   `json:"consent"`
}

type WebFormResponse struct {
	Success bool   `json:"success"`
	ID      uint   `json:"id"`
	Created bool   `json:"created"`
	SMS     string `json:"sms,omitempty"`
}

// SubmitWebForm starts (or restarts) the SMS survey for the submitted mobile number.
func (s *RegistrationService) SubmitWebForm(ctx context.Context, req WebFormRequest) (*WebFormResponse, error) {
	if !req.Consent {
		return nil, NewInvalidError("consent is required")
	}
	c := RegisterRequest{Name: req.Name, FirstName: req.FirstName, LastName: req.LastName, Email: req.Email, Mobile: req.Mobile}.contact()
	if c.Phone == "" {
		return nil, NewInvalidError("mobile is required")
	}
	resp := &WebFormResponse{Success: true}
	box := &outbox{}
	err := s.store.Transaction(ctx, func(tx SubmissionTx) error {
		res, err := Resolve(ctx, tx, c.Email, c.Phone)
		if err != nil {
			return err
		}
		now := s.now()
		sub := res.Existing
		if sub == nil {
			sub = newSubmission(c, now)
			if err := createSubmission(ctx, tx, sub); err != nil {
				return err
			}
			resp.Created = true
			err = appendHistory(ctx, tx, sub.ID, ChangeWebSubmitCreate, map[string]any{"name": sub.Name, "mobile": c.Phone, "email": c.Email}, now)
			box.event(EventSubmissionCreated, sub.ID, now, map[string]any{"source": "web-form"})
		} else {
			before := sub.Clone()
			changed := DiffRegistration(sub, c)
			restartCols, rerr := RestartSurvey(ctx, sub)
			if rerr != nil {
				return rerr
			}
			sub.LastActive = now
			cols := append(append(changed, restartCols...), models.ColLastActive)
			if err := updateSubmission(ctx, tx, sub, cols); err != nil {
				return err
			}
			err = appendHistory(ctx, tx, sub.ID, ChangeWebSubmitUpdate, snapshot{Before: before, After: sub, Changed: cols}, now)
			box.event(EventSurveyRestarted, sub.ID, now, map[string]any{"source": "web-form"})
		}
		if err != nil {
			return err
		}
		resp.ID = sub.ID
		box.sms(sub.ID, c.Phone, s.msgs.Greeting(DisplayName(sub.Name, sub.FirstName)), "survey-start")
		return nil
	})
	if err != nil {
		return nil, err
	}
	results := s.flush(ctx, box)
	if len(results) > 0 && results[0].Success {
		resp.SMS = results[0].ID
	}
	return resp, nil
}
