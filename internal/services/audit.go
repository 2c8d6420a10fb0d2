package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/soaringjerry/intake/internal/models"
)

// Change types recorded in the audit trail.
const (
	ChangeInitialCreate   = "initial-create"
	ChangeInitialUpdate   = "initial-update"
	ChangeRegisterCreate  = "web-register-create"
	ChangeRegisterUpdate  = "web-register-update"
	ChangeIdempotency     = "idempotency"
	ChangeWebSubmitCreate = "web-submit-create"
	ChangeWebSubmitUpdate = "web-submit-update"
	ChangeSMSAnswer       = "sms-answer"
	ChangeSMSAdvance      = "sms-advance"
	ChangeSMSComplete     = "sms-complete"
	ChangeSMSReminder     = "sms-reminder"
	ChangeStepBSubmit     = "stepb-submit"
	ChangeStepBResend     = "stepb-resend"
	ChangeStepBReminder   = "stepb-reminder"
)

// snapshot is the before/after payload of an update entry.
type snapshot struct {
	Before  *models.Submission `json:"before,omitempty"`
	After   *models.Submission `json:"after,omitempty"`
	Changed []string           `json:"changed,omitempty"`
}

// appendHistory writes one audit entry inside tx.
func appendHistory(ctx context.Context, tx SubmissionTx, submissionID uint, changeType string, data any, now time.Time) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s history: %w", changeType, err)
	}
	e := &models.HistoryEntry{SubmissionID: submissionID, ChangeType: changeType, Data: datatypes.JSON(raw), CreatedAt: now}
	if err := tx.AppendHistory(ctx, e); err != nil {
		return fmt.Errorf("append %s history: %w", changeType, err)
	}
	return nil
}

// outbox collects work that must only happen once the owning transaction
// has committed: lifecycle events and outbound messages.
type outbox struct {
	events []Event
	sends  []outboundSMS
}

type outboundSMS struct {
	submissionID uint
	to           string
	body         string
	kind         string
}

func (o *outbox) event(typ string, id uint, at time.Time, data map[string]any) {
	o.events = append(o.events, Event{Type: typ, SubmissionID: id, At: at, Data: data})
}

func (o *outbox) sms(id uint, to, body, kind string) {
	if to == "" {
		return
	}
	o.sends = append(o.sends, outboundSMS{submissionID: id, to: to, body: body, kind: kind})
}

// deps bundles the collaborators every service flushes its outbox through.
type deps struct {
	store     SubmissionStore
	messenger Messenger
	events    EventPublisher
	log       *zap.Logger
	now       func() time.Time
}

func newDeps(store SubmissionStore, messenger Messenger, log *zap.Logger) deps {
	if log == nil {
		log = zap.NewNop()
	}
	return deps{
		store:     store,
		messenger: messenger,
		events:    NoopPublisher,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// flush delivers everything the outbox collected. Failures are logged only;
// the committed state stands. It returns the per-message results in order.
func (d deps) flush(ctx context.Context, o *outbox) []SendResult {
	results := make([]SendResult, 0, len(o.sends))
	for _, m := range o.sends {
		res := d.send(ctx, m)
		results = append(results, res)
	}
	for _, ev := range o.events {
		if err := d.events.Publish(ctx, ev); err != nil {
			d.log.Error("publish event", zap.String("type", ev.Type), zap.Uint("submission_id", ev.SubmissionID), zap.Error(err))
		}
	}
	return results
}

func (d deps) send(ctx context.Context, m outboundSMS) SendResult {
	if d.messenger == nil {
		return SendResult{Error: "messenger not configured"}
	}
	res := d.messenger.Send(ctx, m.to, m.body)
	if !res.Success {
		d.log.Error("sms send failed", zap.String("kind", m.kind), zap.Uint("submission_id", m.submissionID), zap.String("to_last4", Last4(m.to)), zap.String("error", res.Error))
	} else {
		d.log.Info("sms sent", zap.String("kind", m.kind), zap.Uint("submission_id", m.submissionID), zap.String("sid", res.ID))
	}
	return res
}
