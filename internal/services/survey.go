package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/soaringjerry/intake/internal/models"
)

const (
	eventAdvance  = "advance"
	eventComplete = "complete"
	eventRestart  = "restart"
)

// Lifecycle event types mirrored to downstream consumers.
const (
	EventSubmissionCreated = "submission.created"
	EventSubmissionUpdated = "submission.updated"
	EventSurveyAdvanced    = "survey.advanced"
	EventSurveyCompleted   = "survey.completed"
	EventSurveyRestarted   = "survey.restarted"
	EventStepBCompleted    = "stepb.completed"
	EventStepBResent       = "stepb.resent"
	EventReminderSent      = "reminder.sent"
)

func newSurveyMachine(current models.SurveyStatus) *fsm.FSM {
	if current == "" {
		current = models.StatusStarted
	}
	started, completed := string(models.StatusStarted), string(models.StatusCompleted)
	return fsm.NewFSM(string(current), fsm.Events{
		{Name: eventAdvance, Src: []string{started}, Dst: started},
		{Name: eventComplete, Src: []string{started}, Dst: completed},
		{Name: eventRestart, Src: []string{started, completed}, Dst: started},
	}, fsm.Callbacks{})
}

// transition applies event to the survey status of s. Self transitions are allowed.
func transition(ctx context.Context, s *models.Submission, event string) error {
	m := newSurveyMachine(s.Status)
	if err := m.Event(ctx, event); err != nil {
		var same fsm.NoTransitionError
		if !errors.As(err, &same) {
			return NewInvalidError(fmt.Sprintf("survey cannot %s from %s", event, m.Current()))
		}
	}
	s.Status = models.SurveyStatus(m.Current())
	return nil
}

// AnswerKey is the answers map key for step.
func AnswerKey(step int) string { return "q" + strconv.Itoa(step) + "_answer" }

// RestartSurvey resets s to the first question and returns the columns it touched.
func RestartSurvey(ctx context.Context, s *models.Submission) ([]string, error) {
	if err := transition(ctx, s, eventRestart); err != nil {
		return nil, err
	}
	s.CurrentStep = 0
	s.Answers = datatypes.NewJSONType(map[string]string{})
	s.SurveyNudgeCount = 0
	return []string{models.ColStatus, models.ColCurrentStep, models.ColAnswers, models.ColSurveyNudgeCount}, nil
}

// InboundResult describes what an inbound SMS did.
type InboundResult struct {
	Matched      bool
	SubmissionID uint
	Step         int
	Completed    bool
}

type SurveyService struct {
	deps
	msgs Messages
}

func NewSurveyService(store SubmissionStore, messenger Messenger, msgs Messages, log *zap.Logger) *SurveyService {
	return &SurveyService{deps: newDeps(store, messenger, log), msgs: msgs}
}

func (s *SurveyService) WithPublisher(p EventPublisher) *SurveyService {
	s.events = p
	return s
}

func (s *SurveyService) WithClock(now func() time.Time) *SurveyService {
	s.now = now
	return s
}

// HandleInbound records an SMS answer from a participant and moves their survey forward.
// Messages from unknown numbers, or from participants without a running survey, are
// acknowledged without effect.
func (s *SurveyService) HandleInbound(ctx context.Context, from, body string) (*InboundResult, error) {
	phone := NormalizePhone(from)
	if phone == "" {
		return &InboundResult{}, nil
	}
	body = strings.TrimSpace(body)
	res := &InboundResult{}
	box := &outbox{}
	err := s.store.Transaction(ctx, func(tx SubmissionTx) error {
		sub, err := tx.FindStartedByPhone(ctx, phone)
		if err != nil {
			return fmt.Errorf("find started survey: %w", err)
		}
		if sub == nil {
			return nil
		}
		now := s.now()
		step := sub.CurrentStep
		answers := sub.AnswerMap()
		answers[AnswerKey(step)] = body
		sub.Answers = datatypes.NewJSONType(answers)
		if err := appendHistory(ctx, tx, sub.ID, ChangeSMSAnswer, map[string]any{"step": step, "answer": body, "from": phone}, now); err != nil {
			return err
		}

		if step+1 < len(s.msgs.Questions) {
			if err := transition(ctx, sub, eventAdvance); err != nil {
				return err
			}
			sub.CurrentStep = step + 1
			if err := appendHistory(ctx, tx, sub.ID, ChangeSMSAdvance, map[string]any{"from": step, "to": sub.CurrentStep}, now); err != nil {
				return err
			}
			box.sms(sub.ID, phone, s.msgs.Question(sub.CurrentStep), "question")
			box.event(EventSurveyAdvanced, sub.ID, now, map[string]any{"step": sub.CurrentStep})
		} else {
			if err := transition(ctx, sub, eventComplete); err != nil {
				return err
			}
			if err := appendHistory(ctx, tx, sub.ID, ChangeSMSComplete, map[string]any{"step": step}, now); err != nil {
				return err
			}
			box.sms(sub.ID, phone, s.msgs.SurveyCompleted(), "survey-complete")
			box.event(EventSurveyCompleted, sub.ID, now, nil)
			res.Completed = true
		}
		sub.LastActive = now
		sub.SurveyNudgeCount = 0
		if err := tx.UpdateSubmission(ctx, sub, models.ColAnswers, models.ColCurrentStep, models.ColStatus, models.ColLastActive, models.ColSurveyNudgeCount); err != nil {
			return fmt.Errorf("update survey state: %w", err)
		}
		res.Matched = true
		res.SubmissionID = sub.ID
		res.Step = sub.CurrentStep
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !res.Matched {
		s.log.Debug("inbound sms without running survey", zap.String("from_last4", Last4(phone)))
		return res, nil
	}
	s.flush(ctx, box)
	return res, nil
}
