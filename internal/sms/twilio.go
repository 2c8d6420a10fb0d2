// Package sms delivers outbound text messages through Twilio.
package sms

import (
	"context"
	"errors"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"github.com/soaringjerry/intake/internal/services"
)

const (
	ErrNotConfigured = "twilio_not_configured"

	codeUnverifiedTrial = 21608
	codeGeoPermission   = 21408
)

type messageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// TwilioMessenger implements services.Messenger.
type TwilioMessenger struct {
	api  messageCreator
	from string
	log  *zap.Logger
}

var _ services.Messenger = (*TwilioMessenger)(nil)

// NewTwilioMessenger returns a messenger for the given account. Missing
// credentials produce a messenger whose sends fail with twilio_not_configured.
func NewTwilioMessenger(accountSID, authToken, from string, log *zap.Logger) *TwilioMessenger {
	if log == nil {
		log = zap.NewNop()
	}
	m := &TwilioMessenger{from: from, log: log.Named("sms")}
	if accountSID == "" || authToken == "" || from == "" {
		m.log.Warn("twilio credentials are not all set; sms will fail until configured")
		return m
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{Username: accountSID, Password: authToken})
	m.api = client.Api
	return m
}

func (m *TwilioMessenger) Configured() bool { return m.api != nil }

func (m *TwilioMessenger) Send(ctx context.Context, to, body string) services.SendResult {
	m.log.Info("send attempt", zap.String("to_last4", services.Last4(to)), zap.Int("body_len", len(body)), zap.Bool("configured", m.Configured()))
	if m.api == nil {
		m.log.Error("twilio credentials missing; skipping send")
		return services.SendResult{Error: ErrNotConfigured}
	}
	if err := ctx.Err(); err != nil {
		return services.SendResult{Error: err.Error()}
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(m.from)
	params.SetBody(body)
	resp, err := m.api.CreateMessage(params)
	if err != nil {
		m.logFailure(to, err)
		return services.SendResult{Error: err.Error()}
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	m.log.Info("send ok", zap.String("to_last4", services.Last4(to)), zap.String("sid", sid))
	return services.SendResult{Success: true, ID: sid}
}

func (m *TwilioMessenger) logFailure(to string, err error) {
	var restErr *twclient.TwilioRestError
	if errors.As(err, &restErr) {
		switch restErr.Code {
		case codeUnverifiedTrial:
			m.log.Error("number not verified; trial accounts only send to verified caller ids", zap.String("to_last4", services.Last4(to)))
			return
		case codeGeoPermission:
			m.log.Error("international permission not enabled for this region", zap.String("to_last4", services.Last4(to)))
			return
		}
	}
	m.log.Error("send failed", zap.String("to_last4", services.Last4(to)), zap.Error(err))
}
