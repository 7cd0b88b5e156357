package sqs

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/amplify-security/analytics-bridge/analytics"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type (
	// mockMessageReadWriter is a mock implementation of the MessageReadWriter interface.
	mockMessageReadWriter struct {
		mock.Mock
	}

	// mockTracker is a mock implementation of the Tracker interface.
	mockTracker struct {
		mock.Mock
	}
)

// GetQueueUrl implementation of the MessageReadWriter interface for the mockMessageReadWriter.
func (m *mockMessageReadWriter) GetQueueUrl(ctx context.Context, input *sqs.GetQueueUrlInput, opts ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	args := m.Called(ctx, input, opts)
	return args.Get(0).(*sqs.GetQueueUrlOutput), args.Error(1)
}

// ReceiveMessage implementation of the MessageReadWriter interface for the mockMessageReadWriter.
func (m *mockMessageReadWriter) ReceiveMessage(ctx context.Context, input *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	args := m.Called(ctx, input, opts)
	return args.Get(0).(*sqs.ReceiveMessageOutput), args.Error(1)
}

// DeleteMessageBatch implementation of the MessageReadWriter interface for the mockMessageReadWriter.
func (m *mockMessageReadWriter) DeleteMessageBatch(ctx context.Context, input *sqs.DeleteMessageBatchInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	args := m.Called(ctx, input, opts)
	return args.Get(0).(*sqs.DeleteMessageBatchOutput), args.Error(1)
}

// ChangeMessageVisibilityBatch implementation of the MessageReadWriter interface for the mockMessageReadWriter.
func (m *mockMessageReadWriter) ChangeMessageVisibilityBatch(ctx context.Context, input *sqs.ChangeMessageVisibilityBatchInput, opts ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error) {
	args := m.Called(ctx, input, opts)
	return args.Get(0).(*sqs.ChangeMessageVisibilityBatchOutput), args.Error(1)
}

// TrackEvent implementation of the Tracker interface for the mockTracker.
func (m *mockTracker) TrackEvent(name string, properties map[string]any) (string, error) {
	args := m.Called(name, properties)
	return args.String(0), args.Error(1)
}

// TrackEventForTransmissionTarget implementation of the Tracker interface for the mockTracker.
func (m *mockTracker) TrackEventForTransmissionTarget(token, name string, properties map[string]any) (string, error) {
	args := m.Called(token, name, properties)
	return args.String(0), args.Error(1)
}

func testLogHandler() slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
}

func TestNewHandler(t *testing.T) {
	h := newHandler(&handlerConfig{
		Tracker: &mockTracker{},
		Ctx:     context.Background(),
		Work:    make(chan *message, 1),
		Results: make(chan *trackResult, 1),
	})
	assert.NotNil(t, h, "newHandler -> handler != nil")
}

func TestHandler_handleMessage(t *testing.T) {
	cases := []struct {
		m        *message
		target   bool
		trackErr error
		expected error
	}{
		{
			m: &message{
				Body: aws.String(`{"name":"PageView","properties":{"screen":"home"}}`),
			},
		},
		{
			m: &message{
				Body: aws.String(`{"targetToken":"tok1","name":"PageView","properties":{"screen":"home"}}`),
			},
			target: true,
		},
		{
			m:        &message{},
			expected: errNoMessageBody,
		},
		{
			m: &message{
				Body: aws.String("not json"),
			},
			expected: errMalformedMessage,
		},
		{
			m: &message{
				Body: aws.String(`{"targetToken":"tok1","name":"PageView"}`),
			},
			target:   true,
			trackErr: analytics.ErrInvalidTransmissionTargetToken,
			expected: analytics.ErrInvalidArgument,
		},
	}
	for _, c := range cases {
		tracker := &mockTracker{}
		tracker.On("TrackEvent", mock.Anything, mock.Anything).Return("", c.trackErr)
		tracker.On("TrackEventForTransmissionTarget", mock.Anything, mock.Anything, mock.Anything).Return("", c.trackErr)
		h := newHandler(&handlerConfig{
			Tracker: tracker,
			Ctx:     context.Background(),
		})
		err := h.handleMessage(c.m)
		if c.expected != nil {
			assert.ErrorIs(t, err, c.expected, "handler.handleMessage -> error")
		} else {
			assert.Nil(t, err, "handler.handleMessage -> nil")
		}
		switch {
		case errors.Is(c.expected, errNoMessageBody), errors.Is(c.expected, errMalformedMessage):
			tracker.AssertNotCalled(t, "TrackEvent", mock.Anything, mock.Anything)
			tracker.AssertNotCalled(t, "TrackEventForTransmissionTarget", mock.Anything, mock.Anything, mock.Anything)
		case c.target:
			tracker.AssertCalled(t, "TrackEventForTransmissionTarget", "tok1", "PageView", mock.Anything)
			tracker.AssertNotCalled(t, "TrackEvent", mock.Anything, mock.Anything)
		default:
			tracker.AssertCalled(t, "TrackEvent", "PageView", map[string]any{"screen": "home"})
		}
	}
}

func TestMessage_receiveCount(t *testing.T) {
	cases := []struct {
		m        *message
		expected int
	}{
		{
			m:        &message{Attributes: map[string]string{ApproximateReceiveCountSQSAttribute: "3"}},
			expected: 3,
		},
		{
			m:        &message{Attributes: map[string]string{ApproximateReceiveCountSQSAttribute: "three"}},
			expected: 0,
		},
		{
			m:        &message{},
			expected: 0,
		},
	}
	for _, c := range cases {
		assert.Equal(t, c.expected, c.m.receiveCount(), "message.receiveCount")
	}
}

func TestHandler_handleMessages(t *testing.T) {
	tracker := &mockTracker{}
	tracker.On("TrackEvent", mock.Anything, mock.Anything).Return("", nil)
	messages := make(chan *message, 1)
	results := make(chan *trackResult, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHandler(&handlerConfig{
		Tracker: tracker,
		Ctx:     ctx,
		Work:    messages,
		Results: results,
	})
	go h.handleMessages()
	messages <- &message{
		MessageID:  aws.String("foo"),
		Body:       aws.String(`{"name":"PageView"}`),
		Attributes: map[string]string{ApproximateReceiveCountSQSAttribute: "2"},
	}
	r := <-results
	assert.Equal(t, "foo", aws.ToString(r.MessageID), "handler.handleMessages -> message ID")
	assert.Equal(t, 2, r.ReceiveCount, "handler.handleMessages -> receive count")
	assert.Nil(t, r.err, "handler.handleMessages -> nil")
}

func TestNewReceiver(t *testing.T) {
	cases := []struct {
		queueURL       string
		getQueueURLErr error
	}{
		{
			queueURL: "https://sqs.us-west-2.amazonaws.com/123456789012/foo",
		},
		{
			getQueueURLErr: errors.New("mock client failed to get queue URL"),
		},
	}
	for _, c := range cases {
		mockClient := &mockMessageReadWriter{}
		mockClient.On("GetQueueUrl", mock.Anything, mock.Anything, mock.Anything).Return(&sqs.GetQueueUrlOutput{
			QueueUrl: &c.queueURL,
		}, c.getQueueURLErr)
		ctx := context.Background()
		rx, err := NewReceiver(&ReceiverConfig{
			LogHandler:   testLogHandler(),
			SQSClient:    mockClient,
			SQSQueueName: "foo",
			BatchSize:    10,
			Tracker:      &mockTracker{},
			Ctx:          ctx,
		})
		if c.getQueueURLErr != nil {
			assert.ErrorIs(t, err, c.getQueueURLErr, "NewReceiver -> error")
			assert.Nil(t, rx, "NewReceiver -> nil")
			continue
		}
		assert.Nil(t, err, "NewReceiver -> error == nil")
		assert.Equal(t, c.queueURL, rx.queueURL, "NewReceiver.queueURL")
		assert.Equal(t, int32(10), rx.batchSize, "NewReceiver.batchSize")
		assert.Equal(t, int32(DefaultRetryVisibilityTimeout), rx.retryVisibilityTimeout, "NewReceiver.retryVisibilityTimeout")
		assert.Equal(t, DefaultMaxReceiveCount, rx.maxReceiveCount, "NewReceiver.maxReceiveCount")
		assert.Equal(t, ctx, rx.ctx, "NewReceiver.ctx")
		rx.cancel()
		rx.pool.Stop(true)
	}
}

func TestReceiver_processMessages(t *testing.T) {
	mockClient := &mockMessageReadWriter{}
	mockClient.On("GetQueueUrl", mock.Anything, mock.Anything, mock.Anything).Return(&sqs.GetQueueUrlOutput{
		QueueUrl: aws.String("https://sqs.us-west-2.amazonaws.com/123456789012/foo"),
	}, nil)
	mockClient.On("DeleteMessageBatch", mock.Anything, mock.Anything, mock.Anything).Return(&sqs.DeleteMessageBatchOutput{}, nil)
	mockClient.On("ChangeMessageVisibilityBatch", mock.Anything, mock.Anything, mock.Anything).Return(&sqs.ChangeMessageVisibilityBatchOutput{}, nil)
	tracker := &mockTracker{}
	tracker.On("TrackEvent", "PageView", mock.Anything).Return("", nil)
	tracker.On("TrackEvent", "Bad", mock.Anything).Return("", &analytics.ConversionError{Key: "count", Value: 1.0})
	tracker.On("TrackEventForTransmissionTarget", "pending", mock.Anything, mock.Anything).Return("", analytics.ErrInvalidTransmissionTargetToken)
	rx, err := NewReceiver(&ReceiverConfig{
		LogHandler:      testLogHandler(),
		SQSClient:       mockClient,
		SQSQueueName:    "foo",
		BatchSize:       4,
		MaxReceiveCount: 3,
		Tracker:         tracker,
		Ctx:             context.Background(),
	})
	assert.Nil(t, err, "NewReceiver -> error == nil")
	defer func() {
		rx.cancel()
		rx.pool.Stop(true)
	}()
	rx.processMessages(&sqs.ReceiveMessageOutput{})
	mockClient.AssertNotCalled(t, "DeleteMessageBatch", mock.Anything, mock.Anything, mock.Anything)
	rx.processMessages(&sqs.ReceiveMessageOutput{
		Messages: []types.Message{
			{
				MessageId:     aws.String("ok"),
				ReceiptHandle: aws.String("ok-handle"),
				Body:          aws.String(`{"name":"PageView"}`),
			},
			{
				MessageId:     aws.String("bad"),
				ReceiptHandle: aws.String("bad-handle"),
				Body:          aws.String(`{"name":"Bad","properties":{"count":1}}`),
			},
			{
				MessageId:     aws.String("retry"),
				ReceiptHandle: aws.String("retry-handle"),
				Body:          aws.String(`{"targetToken":"pending","name":"PageView"}`),
				Attributes:    map[string]string{ApproximateReceiveCountSQSAttribute: "1"},
			},
			{
				MessageId:     aws.String("expired"),
				ReceiptHandle: aws.String("expired-handle"),
				Body:          aws.String(`{"targetToken":"pending","name":"PageView"}`),
				Attributes:    map[string]string{ApproximateReceiveCountSQSAttribute: "3"},
			},
		},
	})
	mockClient.AssertCalled(t, "DeleteMessageBatch", mock.Anything, mock.MatchedBy(func(input *sqs.DeleteMessageBatchInput) bool {
		ids := map[string]bool{}
		for _, e := range input.Entries {
			ids[aws.ToString(e.Id)] = true
		}
		return len(ids) == 3 && ids["ok"] && ids["bad"] && ids["expired"]
	}), mock.Anything)
	mockClient.AssertCalled(t, "ChangeMessageVisibilityBatch", mock.Anything, mock.MatchedBy(func(input *sqs.ChangeMessageVisibilityBatchInput) bool {
		return len(input.Entries) == 1 && aws.ToString(input.Entries[0].Id) == "retry" &&
			input.Entries[0].VisibilityTimeout == int32(DefaultRetryVisibilityTimeout)
	}), mock.Anything)
}
