package sqs

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/amplify-security/analytics-bridge/transmitter"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type (
	// mockMessageSender is a mock implementation of the MessageSender interface.
	mockMessageSender struct {
		mock.Mock
	}
)

// GetQueueUrl implementation of the MessageSender interface for the mockMessageSender.
func (m *mockMessageSender) GetQueueUrl(ctx context.Context, input *sqs.GetQueueUrlInput, opts ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	args := m.Called(ctx, input, opts)
	return args.Get(0).(*sqs.GetQueueUrlOutput), args.Error(1)
}

// SendMessage implementation of the MessageSender interface for the mockMessageSender.
func (m *mockMessageSender) SendMessage(ctx context.Context, input *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	args := m.Called(ctx, input, opts)
	return args.Get(0).(*sqs.SendMessageOutput), args.Error(1)
}

func newTestTransmitter(t *testing.T, client *mockMessageSender, queueName string) *Transmitter {
	queueURL := "https://sqs.us-west-2.amazonaws.com/123456789012/" + queueName
	client.On("GetQueueUrl", mock.Anything, mock.Anything, mock.Anything).Return(&sqs.GetQueueUrlOutput{
		QueueUrl: aws.String(queueURL),
	}, nil)
	tx, err := NewTransmitter(&TransmitterConfig{
		LogHandler:   slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}),
		SQSClient:    client,
		SQSQueueName: queueName,
		Ctx:          context.Background(),
	})
	assert.Nil(t, err, "NewTransmitter -> error == nil")
	return tx
}

func TestNewTransmitter(t *testing.T) {
	cases := []struct {
		queueName      string
		getQueueURLErr error
		fifo           bool
	}{
		{
			queueName: "events",
		},
		{
			queueName: "events.fifo",
			fifo:      true,
		},
		{
			queueName:      "events",
			getQueueURLErr: errors.New("mock client failed to get queue URL"),
		},
	}
	for _, c := range cases {
		client := &mockMessageSender{}
		queueURL := "https://sqs.us-west-2.amazonaws.com/123456789012/" + c.queueName
		client.On("GetQueueUrl", mock.Anything, mock.Anything, mock.Anything).Return(&sqs.GetQueueUrlOutput{
			QueueUrl: aws.String(queueURL),
		}, c.getQueueURLErr)
		tx, err := NewTransmitter(&TransmitterConfig{
			LogHandler:   slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}),
			SQSClient:    client,
			SQSQueueName: c.queueName,
			Ctx:          context.Background(),
		})
		if c.getQueueURLErr != nil {
			assert.ErrorIs(t, err, c.getQueueURLErr, "NewTransmitter -> error")
			assert.Nil(t, tx, "NewTransmitter -> nil")
			continue
		}
		assert.Nil(t, err, "NewTransmitter -> error == nil")
		assert.Equal(t, queueURL, tx.queueURL, "NewTransmitter.queueURL")
		assert.Equal(t, c.fifo, tx.fifo, "NewTransmitter.fifo")
		assert.Equal(t, DefaultRetryAfter, tx.retryAfter, "NewTransmitter.retryAfter")
	}
}

func TestTransmitter_newInput(t *testing.T) {
	cases := []struct {
		queueName  string
		attributes transmitter.TransmitAttributes
		group      *string
		dedup      *string
	}{
		{
			queueName: "events",
			attributes: transmitter.TransmitAttributes{
				transmitter.EventIDAttribute: "42",
				transmitter.AppNameAttribute: "",
			},
		},
		{
			queueName: "events.fifo",
			attributes: transmitter.TransmitAttributes{
				transmitter.EventIDAttribute: "42",
			},
			group: aws.String(DefaultMessageGroupID),
			dedup: aws.String("42"),
		},
		{
			queueName: "events.fifo",
			attributes: transmitter.TransmitAttributes{
				transmitter.TargetTokenAttribute: "tok1",
			},
			group: aws.String("tok1"),
		},
	}
	for _, c := range cases {
		tx := newTestTransmitter(t, &mockMessageSender{}, c.queueName)
		input := tx.newInput("body", c.attributes)
		assert.Equal(t, "body", aws.ToString(input.MessageBody), "Transmitter.newInput -> body")
		assert.Equal(t, tx.queueURL, aws.ToString(input.QueueUrl), "Transmitter.newInput -> queue URL")
		assert.Equal(t, c.group, input.MessageGroupId, "Transmitter.newInput -> message group")
		assert.Equal(t, c.dedup, input.MessageDeduplicationId, "Transmitter.newInput -> deduplication id")
		for k, v := range c.attributes {
			if v == "" {
				assert.NotContains(t, input.MessageAttributes, k, "Transmitter.newInput -> empty attribute skipped")
				continue
			}
			assert.Equal(t, v, aws.ToString(input.MessageAttributes[k].StringValue), "Transmitter.newInput -> attribute")
			assert.Equal(t, stringDataType, aws.ToString(input.MessageAttributes[k].DataType), "Transmitter.newInput -> attribute type")
		}
	}
}

func TestTransmitter_Tx(t *testing.T) {
	sendErr := errors.New("mock client failed to send message")
	throttled := &smithy.GenericAPIError{Code: "RequestThrottled", Message: "slow down"}
	cases := []struct {
		body      string
		sendErr   error
		send      bool
		retryable bool
		expected  error
	}{
		{
			body: `{"name":"PageView"}`,
			send: true,
		},
		{
			body:     "",
			expected: errEmptyMessageBody,
		},
		{
			body:     `{"name":"PageView"}`,
			send:     true,
			sendErr:  sendErr,
			expected: sendErr,
		},
		{
			body:      `{"name":"PageView"}`,
			send:      true,
			sendErr:   throttled,
			retryable: true,
			expected:  throttled,
		},
	}
	for _, c := range cases {
		client := &mockMessageSender{}
		client.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).Return(&sqs.SendMessageOutput{}, c.sendErr)
		tx := newTestTransmitter(t, client, "events")
		err := tx.Tx(strings.NewReader(c.body), transmitter.TransmitAttributes{transmitter.EventIDAttribute: "42"})
		if c.expected != nil {
			assert.ErrorIs(t, err, c.expected, "Transmitter.Tx -> error")
			assert.ErrorIs(t, err, transmitter.ErrTransmitFailed, "Transmitter.Tx -> ErrTransmitFailed")
			var retryable *transmitter.TransmitRetryableError
			assert.Equal(t, c.retryable, errors.As(err, &retryable), "Transmitter.Tx -> retryable")
			if c.retryable {
				assert.Equal(t, DefaultRetryAfter, retryable.RetryAfter, "Transmitter.Tx -> retry after")
			}
		} else {
			assert.Nil(t, err, "Transmitter.Tx -> error == nil")
		}
		if c.send {
			client.AssertCalled(t, "SendMessage", mock.Anything, mock.MatchedBy(func(input *sqs.SendMessageInput) bool {
				return aws.ToString(input.MessageBody) == c.body
			}), mock.Anything)
		} else {
			client.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything)
		}
	}
}

func TestTransmitter_TxCustomRetryAfter(t *testing.T) {
	client := &mockMessageSender{}
	client.On("GetQueueUrl", mock.Anything, mock.Anything, mock.Anything).Return(&sqs.GetQueueUrlOutput{
		QueueUrl: aws.String("https://sqs.us-west-2.amazonaws.com/123456789012/events"),
	}, nil)
	client.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).Return(&sqs.SendMessageOutput{},
		&smithy.GenericAPIError{Code: "ThrottlingException"})
	tx, err := NewTransmitter(&TransmitterConfig{
		LogHandler:   slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}),
		SQSClient:    client,
		SQSQueueName: "events",
		RetryAfter:   time.Second,
		Ctx:          context.Background(),
	})
	assert.Nil(t, err, "NewTransmitter -> error == nil")
	err = tx.Tx(strings.NewReader("{}"), nil)
	var retryable *transmitter.TransmitRetryableError
	if assert.ErrorAs(t, err, &retryable, "Transmitter.Tx -> retryable") {
		assert.Equal(t, time.Second, retryable.RetryAfter, "Transmitter.Tx -> retry after")
	}
}
