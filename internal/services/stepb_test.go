package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/datatypes"

	"github.com/soaringjerry/intake/internal/models"
)

type stepBFixture struct {
	store   *memStore
	sms     *fakeMessenger
	objects *fakeObjects
	clock   *testClock
	tokens  *TokenIssuer
	svc     *StepBService
	sub     *models.Submission
	token   string
}

func newStepBFixture(t *testing.T) *stepBFixture {
	f := &stepBFixture{
		store:   newMemStore(),
		sms:     newFakeMessenger(),
		objects: &fakeObjects{},
		clock:   &testClock{t: time.Date(2025, 5, 1, 15, 0, 0, 0, time.UTC)},
	}
	f.tokens = NewTokenIssuer("test-secret", 0).WithClock(f.clock.now)
	f.svc = NewStepBService(f.store, f.sms, f.objects, f.tokens, testMessages(), zaptest.NewLogger(t)).
		WithClock(f.clock.now).
		WithMaxResends(3)
	tok, issued, err := f.tokens.Issue("ada@example.com")
	require.NoError(t, err)
	f.token = tok
	f.sub = f.store.seed(&models.Submission{
		Email: models.StringPtr("ada@example.com"), Mobile: models.StringPtr("+15550001111"), Phone: "+15550001111",
		FirstName: "Ada", LastName: "Lovelace", StepBToken: &tok, StepBTokenIssuedAt: &issued,
		ImageObjects: datatypes.NewJSONType([]models.ImageObject{{Key: "images/ada@example.com/old-front"}, {Key: "images/ada@example.com/keep-back"}}),
	})
	return f
}

func TestStepBRejectsBadTokens(t *testing.T) {
	f := newStepBFixture(t)
	ctx := context.Background()

	_, err := f.svc.Status(ctx, "")
	assert.True(t, IsCode(err, ErrorInvalidToken))
	_, err = f.svc.Submit(ctx, "garbage", StepBPayload{})
	assert.True(t, IsCode(err, ErrorInvalidToken))
	_, err = f.svc.Presign(ctx, "garbage", []UploadFile{{Name: "a.jpg"}})
	assert.True(t, IsCode(err, ErrorInvalidToken))

	f.clock.advance(DefaultTokenTTL)
	_, err = f.svc.Status(ctx, f.token)
	assert.True(t, IsCode(err, ErrorInvalidToken))
}

func TestStepBTokenForUnknownEmail(t *testing.T) {
	f := newStepBFixture(t)
	tok, _, err := f.tokens.Issue("nobody@example.com")
	require.NoError(t, err)
	_, err = f.svc.Status(context.Background(), tok)
	assert.True(t, IsCode(err, ErrorNotFound))
}

func TestStepBPresign(t *testing.T) {
	f := newStepBFixture(t)
	_, err := f.svc.Presign(context.Background(), f.token, nil)
	assert.True(t, IsCode(err, ErrorInvalid))

	out, err := f.svc.Presign(context.Background(), f.token, []UploadFile{{Name: "front.jpg", ContentType: "image/jpeg"}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "images/ada@example.com/front.jpg", out[0].Key)
	assert.Nil(t, out[0].URL)
}

func TestStepBSubmit(t *testing.T) {
	f := newStepBFixture(t)
	var p StepBPayload
	require.NoError(t, json.Unmarshal([]byte(`{
		"gender": "female",
		"heightFeet": "5", "heightInches": 10, "weightLbs": 180,
		"wheelchairUsage": true,
		"imageObjects": [{"key": "images/ada@example.com/keep-back"}, {"key": "images/ada@example.com/new-front"}],
		"stepBCompleted": false, "bmi": 99
	}`), &p))

	res, err := f.svc.Submit(context.Background(), f.token, p)
	require.NoError(t, err)
	require.NotNil(t, res.BMI)
	assert.Equal(t, 25.82, *res.BMI)
	assert.Equal(t, []string{"images/ada@example.com/old-front"}, res.RemovedImages)

	got := f.store.get(f.sub.ID)
	assert.True(t, got.StepBCompleted)
	assert.Equal(t, f.clock.t, *got.StepBCompletedAt)
	assert.Equal(t, 25.82, *got.BMI)
	assert.Equal(t, 5, *got.HeightFeet)
	assert.Equal(t, 10, *got.HeightInches)
	assert.Equal(t, "female", got.Gender)
	assert.True(t, got.WheelchairUsage)
	assert.Len(t, got.Images(), 2)
	assert.Equal(t, [][]string{{"images/ada@example.com/old-front"}}, f.objects.deleted)
	assert.Equal(t, []string{ChangeStepBSubmit}, f.store.changeTypes(f.sub.ID))

	bodies := f.sms.bodiesTo("+15550001111")
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "we received your information")
}

func TestStepBSubmitMetricAndStoredFallback(t *testing.T) {
	f := newStepBFixture(t)
	_, err := f.svc.Submit(context.Background(), f.token, StepBPayload{HeightCm: NewNumber(177.8), WeightKg: NewNumber(81.6466)})
	require.NoError(t, err)
	got := f.store.get(f.sub.ID)
	assert.InDelta(t, 25.82, *got.BMI, 0.01)
	assert.Len(t, got.Images(), 2, "absent imageObjects keeps the stored set")
	assert.Empty(t, f.objects.deleted)

	res, err := f.svc.Submit(context.Background(), f.token, StepBPayload{WeightLbs: NewNumber(150)})
	require.NoError(t, err)
	assert.Equal(t, round2(703*150.0/4900), *res.BMI)
}

func TestStepBSubmitAcceptsSnakeCaseMeasurements(t *testing.T) {
	f := newStepBFixture(t)
	var p StepBPayload
	require.NoError(t, json.Unmarshal([]byte(`{"height_cm": "177.8", "weight_kg": 81.6466}`), &p))
	res, err := f.svc.Submit(context.Background(), f.token, p)
	require.NoError(t, err)
	require.NotNil(t, res.BMI)
	assert.InDelta(t, 25.82, *res.BMI, 0.01)

	var both StepBPayload
	require.NoError(t, json.Unmarshal([]byte(`{"weight_lbs": 150, "weightLbs": 160}`), &both))
	_, err = f.svc.Submit(context.Background(), f.token, both)
	require.NoError(t, err)
	assert.Equal(t, 160.0, *f.store.get(f.sub.ID).WeightLbs, "camelCase wins when both are sent")
}

func TestStepBSubmitIgnoresForeignImageKeys(t *testing.T) {
	f := newStepBFixture(t)
	sub := f.store.subs[f.sub.ID]
	sub.ImageObjects = datatypes.NewJSONType([]models.ImageObject{
		{Key: "images/ada@example.com/old-front"},
		{Key: "images/eve@example.com/legacy"},
	})

	res, err := f.svc.Submit(context.Background(), f.token, StepBPayload{ImageObjects: []models.ImageObject{
		{Key: "images/eve@example.com/front"},
		{Key: "images/ada@example.com/new-front"},
		{Key: "receipts/2025/ledger.pdf"},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"images/ada@example.com/old-front"}, res.RemovedImages)
	assert.Equal(t, [][]string{{"images/ada@example.com/old-front"}}, f.objects.deleted)

	got := f.store.get(f.sub.ID).Images()
	require.Len(t, got, 1)
	assert.Equal(t, "images/ada@example.com/new-front", got[0].Key)
}

func TestStepBResendLimit(t *testing.T) {
	f := newStepBFixture(t)
	ctx := context.Background()

	_, err := f.svc.Resend(ctx, "")
	assert.True(t, IsCode(err, ErrorInvalid))
	_, err = f.svc.Resend(ctx, "nobody@example.com")
	assert.True(t, IsCode(err, ErrorNotFound))

	for i := 1; i <= 3; i++ {
		res, err := f.svc.Resend(ctx, " ADA@example.com")
		require.NoError(t, err)
		assert.Equal(t, i, res.StepBNudgeCount)
	}
	_, err = f.svc.Resend(ctx, "ada@example.com")
	assert.True(t, IsCode(err, ErrorLimitExceeded))

	got := f.store.get(f.sub.ID)
	assert.Equal(t, 3, got.StepBNudgeCount)
	assert.Len(t, f.sms.bodiesTo("+15550001111"), 3)
	assert.Equal(t, []string{ChangeStepBResend, ChangeStepBResend, ChangeStepBResend}, f.store.changeTypes(f.sub.ID))

	st, err := f.svc.Status(ctx, got.TokenValue())
	require.NoError(t, err)
	assert.Equal(t, 3, st.StepBNudgeCount)
	assert.False(t, st.StepBCompleted)
}
