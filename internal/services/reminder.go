package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/soaringjerry/intake/internal/logging"
	"github.com/soaringjerry/intake/internal/models"
)

const (
	DefaultStuckAfter    = 24 * time.Hour
	DefaultNudgeInterval = time.Hour
)

// DefaultReminderDays are the Step-B reminder offsets in days after the link was issued.
var DefaultReminderDays = []int{3, 7, 30, 60}

// ReminderPolicy is the timing configuration of both reminder tracks.
type ReminderPolicy struct {
	StuckAfter time.Duration
	// StuckMaxReminders caps stuck-survey reminders per stall; 0 means no cap.
	StuckMaxReminders int
	ReminderDays      []int
	DryRun            bool
}

// ElapsedDays is the number of whole days from from to now, never negative.
func ElapsedDays(from, now time.Time) int {
	if from.IsZero() || now.Before(from) {
		return 0
	}
	return int(now.Sub(from) / (24 * time.Hour))
}

// StuckSurveyDue reports whether sub's SMS survey has stalled long enough to re-send its question.
func StuckSurveyDue(sub *models.Submission, now time.Time, p ReminderPolicy) bool {
	if sub.Status != models.StatusStarted || sub.LastActive.IsZero() {
		return false
	}
	if p.StuckMaxReminders > 0 && sub.SurveyNudgeCount >= p.StuckMaxReminders {
		return false
	}
	return now.Sub(sub.LastActive) >= p.StuckAfter
}

// stepBAnchor is the instant Step-B reminder offsets count from.
func stepBAnchor(sub *models.Submission) time.Time {
	switch {
	case sub.StepBTokenIssuedAt != nil:
		return *sub.StepBTokenIssuedAt
	case !sub.CreatedAtUTC.IsZero():
		return sub.CreatedAtUTC
	}
	return sub.CreatedAt
}

// StepBReminderDue reports whether the next Step-B reminder for sub is due.
// The track is exhausted once every offset in days has been used.
func StepBReminderDue(sub *models.Submission, now time.Time, days []int) bool {
	if sub.StepBCompleted || sub.StepBNudgeCount < 0 || sub.StepBNudgeCount >= len(days) {
		return false
	}
	return ElapsedDays(stepBAnchor(sub), now) >= days[sub.StepBNudgeCount]
}

// TrackReport counts what one reminder track did during a run.
type TrackReport struct {
	Scanned int `json:"scanned"`
	Sent    int `json:"sent"`
	Planned int `json:"planned"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// RunReport summarizes one scheduler pass.
type RunReport struct {
	StartedAt time.Time   `json:"startedAt"`
	DryRun    bool        `json:"dryRun"`
	Stuck     TrackReport `json:"stuck"`
	StepB     TrackReport `json:"stepB"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSent
	outcomePlanned
)

// ReminderService evaluates both reminder tracks over every in-flight record.
type ReminderService struct {
	deps
	tokens *TokenIssuer
	msgs   Messages
	policy ReminderPolicy
}

func NewReminderService(store SubmissionStore, messenger Messenger, tokens *TokenIssuer, msgs Messages, policy ReminderPolicy, log *zap.Logger) *ReminderService {
	if policy.StuckAfter <= 0 {
		policy.StuckAfter = DefaultStuckAfter
	}
	if len(policy.ReminderDays) == 0 {
		policy.ReminderDays = DefaultReminderDays
	}
	return &ReminderService{deps: newDeps(store, messenger, log), tokens: tokens, msgs: msgs, policy: policy}
}

func (s *ReminderService) WithPublisher(p EventPublisher) *ReminderService {
	s.events = p
	return s
}

func (s *ReminderService) WithClock(now func() time.Time) *ReminderService {
	s.now = now
	return s
}

// DryRun returns a copy that logs intended sends without sending or writing.
func (s *ReminderService) DryRun() *ReminderService {
	cp := *s
	cp.policy.DryRun = true
	return &cp
}

// RunOnce evaluates every candidate record once. A failing record is logged and
// counted; it never stops the others. Only scan failures are returned.
func (s *ReminderService) RunOnce(ctx context.Context) (*RunReport, error) {
	now := s.now()
	report := &RunReport{StartedAt: now, DryRun: s.policy.DryRun}
	var scanErrs []error

	stalled, err := s.store.ListStalledSurveys(ctx, now.Add(-s.policy.StuckAfter))
	if err != nil {
		scanErrs = append(scanErrs, fmt.Errorf("list stalled surveys: %w", err))
	}
	for _, sub := range stalled {
		s.isolate(ctx, "stuck", sub, &report.Stuck, func() (outcome, error) { return s.nudgeStuck(ctx, sub, now) })
	}

	pending, err := s.store.ListPendingStepB(ctx)
	if err != nil {
		scanErrs = append(scanErrs, fmt.Errorf("list pending step-b: %w", err))
	}
	for _, sub := range pending {
		s.isolate(ctx, "stepb", sub, &report.StepB, func() (outcome, error) { return s.nudgeStepB(ctx, sub, now) })
	}

	s.log.Info("reminder run finished",
		zap.Bool("dry_run", report.DryRun),
		zap.Int("stuck_sent", report.Stuck.Sent), zap.Int("stuck_failed", report.Stuck.Failed),
		zap.Int("stepb_sent", report.StepB.Sent), zap.Int("stepb_failed", report.StepB.Failed))
	return report, errors.Join(scanErrs...)
}

func (s *ReminderService) isolate(ctx context.Context, track string, sub *models.Submission, tr *TrackReport, fn func() (outcome, error)) {
	tr.Scanned++
	defer func() {
		if r := recover(); r != nil {
			tr.Failed++
			s.log.Error("reminder panicked", zap.String("track", track), zap.Uint("submission_id", sub.ID), zap.Any("panic", r))
		}
	}()
	out, err := fn()
	if err != nil {
		tr.Failed++
		s.log.Error("reminder failed", zap.String("track", track), zap.Uint("submission_id", sub.ID), zap.Error(err))
		return
	}
	switch out {
	case outcomeSent:
		tr.Sent++
	case outcomePlanned:
		tr.Planned++
	default:
		tr.Skipped++
	}
}

// claim moves a track counter from the scanned value to the next one before
// anything is sent. It reports false when another pass already took the slot.
func (s *ReminderService) claim(ctx context.Context, id uint, column string, from int) (bool, error) {
	var ok bool
	err := s.store.Transaction(ctx, func(tx SubmissionTx) error {
		var err error
		ok, err = tx.SwapCounter(ctx, id, column, from, from+1)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", column, err)
	}
	return ok, nil
}

// release hands a claimed slot back after a failed send.
func (s *ReminderService) release(ctx context.Context, id uint, column string, from int) {
	ok, err := s.store.SwapCounter(ctx, id, column, from+1, from)
	if err != nil || !ok {
		s.log.Warn("release reminder slot", zap.Uint("submission_id", id), zap.String("column", column), zap.Bool("released", ok), zap.Error(err))
	}
}

func (s *ReminderService) nudgeStuck(ctx context.Context, sub *models.Submission, now time.Time) (outcome, error) {
	if !StuckSurveyDue(sub, now, s.policy) {
		return outcomeSkipped, nil
	}
	step := sub.CurrentStep
	if s.msgs.Question(step) == "" {
		return outcomeSkipped, fmt.Errorf("no question for step %d", step)
	}
	to := sub.ContactPhone()
	if to == "" {
		return outcomeSkipped, errors.New("no phone number on record")
	}
	if s.policy.DryRun {
		s.log.Info("dry-run: would send survey reminder", zap.Uint("submission_id", sub.ID), zap.Int("step", step))
		return outcomePlanned, nil
	}
	from := sub.SurveyNudgeCount
	ok, err := s.claim(ctx, sub.ID, models.ColSurveyNudgeCount, from)
	if err != nil {
		return outcomeSkipped, err
	}
	if !ok {
		s.log.Debug("survey reminder taken by another pass", zap.Uint("submission_id", sub.ID))
		return outcomeSkipped, nil
	}
	if res := s.send(ctx, outboundSMS{submissionID: sub.ID, to: to, body: s.msgs.StuckReminder(step), kind: "survey-reminder"}); !res.Success {
		s.release(ctx, sub.ID, models.ColSurveyNudgeCount, from)
		return outcomeSkipped, fmt.Errorf("send survey reminder: %s", res.Error)
	}
	box := &outbox{}
	err = s.store.Transaction(ctx, func(tx SubmissionTx) error {
		cur, err := tx.GetByID(ctx, sub.ID)
		if err != nil {
			return err
		}
		if cur == nil {
			return errors.New("submission vanished after send")
		}
		cur.LastActive = now
		if err := updateSubmission(ctx, tx, cur, []string{models.ColLastActive}); err != nil {
			return err
		}
		box.event(EventReminderSent, cur.ID, now, map[string]any{"track": "stuck", "step": step})
		return appendHistory(ctx, tx, cur.ID, ChangeSMSReminder, map[string]any{"step": step, "count": from + 1}, now)
	})
	if err != nil {
		return outcomeSkipped, fmt.Errorf("record survey reminder: %w", err)
	}
	s.flush(ctx, box)
	return outcomeSent, nil
}

func (s *ReminderService) nudgeStepB(ctx context.Context, sub *models.Submission, now time.Time) (outcome, error) {
	if !StepBReminderDue(sub, now, s.policy.ReminderDays) {
		return outcomeSkipped, nil
	}
	to, email := sub.ContactPhone(), sub.EmailValue()
	if to == "" || email == "" {
		s.log.Debug("step-b reminder needs phone and email", zap.Uint("submission_id", sub.ID), zap.Bool("has_phone", to != ""), zap.Bool("has_email", email != ""))
		return outcomeSkipped, nil
	}
	token := sub.TokenValue()
	refreshed := token == "" || s.tokens.Expired(token)
	if refreshed {
		var err error
		if token, _, err = s.tokens.Issue(email); err != nil {
			return outcomeSkipped, fmt.Errorf("refresh step-b token: %w", err)
		}
	}
	from := sub.StepBNudgeCount
	day := s.policy.ReminderDays[from]
	if s.policy.DryRun {
		s.log.Info("dry-run: would send step-b reminder", zap.Uint("submission_id", sub.ID), zap.Int("day", day), zap.Int("count", from))
		return outcomePlanned, nil
	}
	ok, err := s.claim(ctx, sub.ID, models.ColStepBNudgeCount, from)
	if err != nil {
		return outcomeSkipped, err
	}
	if !ok {
		s.log.Debug("step-b reminder taken by another pass", zap.Uint("submission_id", sub.ID), zap.Int("day", day))
		return outcomeSkipped, nil
	}
	if res := s.send(ctx, outboundSMS{submissionID: sub.ID, to: to, body: s.msgs.StepBReminder(token), kind: "stepb-reminder"}); !res.Success {
		s.release(ctx, sub.ID, models.ColStepBNudgeCount, from)
		return outcomeSkipped, fmt.Errorf("send step-b reminder: %s", res.Error)
	}
	box := &outbox{}
	err = s.store.Transaction(ctx, func(tx SubmissionTx) error {
		cur, err := tx.GetByID(ctx, sub.ID)
		if err != nil {
			return err
		}
		if cur == nil {
			return errors.New("submission vanished after send")
		}
		cols := []string{models.ColStepBLastNudgeAt}
		cur.StepBLastNudgeAt = &now
		if refreshed {
			cur.StepBToken = &token
			cols = append(cols, models.ColStepBToken)
		}
		if err := updateSubmission(ctx, tx, cur, cols); err != nil {
			return err
		}
		box.event(EventReminderSent, cur.ID, now, map[string]any{"track": "stepb", "day": day})
		return appendHistory(ctx, tx, cur.ID, ChangeStepBReminder, map[string]any{"count": from + 1, "day": day, "tokenRefreshed": refreshed}, now)
	})
	if err != nil {
		return outcomeSkipped, fmt.Errorf("record step-b reminder: %w", err)
	}
	s.log.Info("step-b reminder sent", zap.Uint("submission_id", sub.ID), zap.Int("day", day), zap.String("token", logging.TokenPrefix(token)))
	s.flush(ctx, box)
	return outcomeSent, nil
}

// Scheduler runs one reminder pass per tick until its context ends.
type Scheduler struct {
	svc      *ReminderService
	interval time.Duration
	log      *zap.Logger
}

func NewScheduler(svc *ReminderService, interval time.Duration, log *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultNudgeInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{svc: svc, interval: interval, log: log}
}

// Run blocks until ctx is done. Passes never overlap.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	s.log.Info("reminder scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("reminder scheduler stopped")
			return nil
		case <-t.C:
			if _, err := s.svc.RunOnce(ctx); err != nil {
				s.log.Error("reminder run", zap.Error(err))
			}
		}
	}
}
