package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/intake/internal/services"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

type fakeQueue struct {
	inputs []*sqs.SendMessageInput
}

func (f *fakeQueue) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

var testEvent = services.Event{
	Type:         services.EventSurveyCompleted,
	SubmissionID: 42,
	At:           time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	Data:         map[string]any{"step": 2},
}

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{w: w}
	require.NoError(t, p.Publish(context.Background(), testEvent))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "42", string(w.msgs[0].Key))
	assert.Equal(t, testEvent.At, w.msgs[0].Time)

	var decoded services.Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, testEvent.Type, decoded.Type)
	assert.Equal(t, uint(42), decoded.SubmissionID)

	w.err = errors.New("broker down")
	assert.ErrorContains(t, p.Publish(context.Background(), testEvent), "broker down")
	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestSQSPublisher(t *testing.T) {
	q := &fakeQueue{}
	p := &SQSPublisher{client: q, queueURL: "https://sqs.example.com/q"}
	require.NoError(t, p.Publish(context.Background(), testEvent))
	require.Len(t, q.inputs, 1)
	assert.Equal(t, "https://sqs.example.com/q", aws.ToString(q.inputs[0].QueueUrl))
	assert.Contains(t, aws.ToString(q.inputs[0].MessageBody), `"submissionId":42`)
	assert.Equal(t, testEvent.Type, aws.ToString(q.inputs[0].MessageAttributes["type"].StringValue))
}

type countingPublisher struct {
	n   int
	err error
}

func (c *countingPublisher) Publish(context.Context, services.Event) error {
	c.n++
	return c.err
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &countingPublisher{}
	bad := &countingPublisher{err: errors.New("nope")}
	err := Fanout{ok, bad}.Publish(context.Background(), testEvent)
	assert.ErrorContains(t, err, "nope")
	assert.Equal(t, 1, ok.n)
	assert.Equal(t, 1, bad.n)
}

func TestNewWithoutTargetsIsNoop(t *testing.T) {
	p, closeFn, err := New(context.Background(), Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, services.NoopPublisher, p)
	assert.NoError(t, closeFn())
}
