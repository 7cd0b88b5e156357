package sqs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/amplify-security/analytics-bridge/transmitter"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
)

const (
	// FIFOQueueSuffix is the queue name suffix that identifies an SQS FIFO queue.
	FIFOQueueSuffix = ".fifo"
	// DefaultMessageGroupID is the FIFO message group used for events without a target token.
	DefaultMessageGroupID = "default"
	// DefaultRetryAfter is the retry delay reported for throttled sends when TransmitterConfig.RetryAfter is unset.
	DefaultRetryAfter = 5 * time.Second
	stringDataType    = "String"
)

var (
	errEmptyMessageBody = errors.New("message body is empty")
	// throttlingErrorCodes are the SQS API error codes that are reported as retryable.
	throttlingErrorCodes = map[string]struct{}{
		"RequestThrottled":    {},
		"ThrottlingException": {},
	}
)

type (
	// MessageSender interface defines the send messages API for SQS. This interface
	// allows for mocking the SQS client in tests.
	MessageSender interface {
		GetQueueUrl(context.Context, *sqs.GetQueueUrlInput, ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
		SendMessage(context.Context, *sqs.SendMessageInput, ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	}

	// TransmitterConfig encapsulates all configuration settings for the Transmitter.
	TransmitterConfig struct {
		LogHandler   slog.Handler
		SQSClient    MessageSender
		SQSQueueName string
		RetryAfter   time.Duration
		Ctx          context.Context
	}

	// Transmitter sends encoded events to an SQS queue, one message per event.
	Transmitter struct {
		log        *slog.Logger
		client     MessageSender
		queueURL   string
		fifo       bool
		retryAfter time.Duration
		ctx        context.Context
	}
)

// NewTransmitter resolves the queue URL and returns a new Transmitter.
func NewTransmitter(c *TransmitterConfig) (*Transmitter, error) {
	log := slog.New(c.LogHandler).With("source", "sqs.Transmitter")
	res, err := c.SQSClient.GetQueueUrl(c.Ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(c.SQSQueueName),
	})
	if err != nil {
		return nil, fmt.Errorf("sqs.NewTransmitter: failed to get queue URL for %s: %w", c.SQSQueueName, err)
	}
	retryAfter := c.RetryAfter
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	log.Info("resolved queue", "queue_name", c.SQSQueueName, "queue_url", aws.ToString(res.QueueUrl))
	return &Transmitter{
		log:        log,
		client:     c.SQSClient,
		queueURL:   aws.ToString(res.QueueUrl),
		fifo:       strings.HasSuffix(c.SQSQueueName, FIFOQueueSuffix),
		retryAfter: retryAfter,
		ctx:        c.Ctx,
	}, nil
}

// messageAttributes converts TransmitAttributes into SQS string message attributes.
func messageAttributes(attributes transmitter.TransmitAttributes) map[string]types.MessageAttributeValue {
	if len(attributes) == 0 {
		return nil
	}
	out := make(map[string]types.MessageAttributeValue, len(attributes))
	for k, v := range attributes {
		if v == "" {
			// SQS rejects empty attribute values
			continue
		}
		out[k] = types.MessageAttributeValue{
			DataType:    aws.String(stringDataType),
			StringValue: aws.String(v),
		}
	}
	return out
}

// newInput builds the SendMessageInput for an event body and its attributes.
func (t *Transmitter) newInput(body string, attributes transmitter.TransmitAttributes) *sqs.SendMessageInput {
	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(t.queueURL),
		MessageBody:       aws.String(body),
		MessageAttributes: messageAttributes(attributes),
	}
	if t.fifo {
		group := attributes[transmitter.TargetTokenAttribute]
		if group == "" {
			group = DefaultMessageGroupID
		}
		input.MessageGroupId = aws.String(group)
		if id := attributes[transmitter.EventIDAttribute]; id != "" {
			input.MessageDeduplicationId = aws.String(id)
		}
	}
	return input
}

// Tx sends the event body to the configured queue with the provided attributes as message
// attributes. Throttled requests are reported as retryable.
func (t *Transmitter) Tx(body io.Reader, attributes transmitter.TransmitAttributes) error {
	b, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("%w: failed to read body: %w", transmitter.ErrTransmitFailed, err)
	}
	if len(b) == 0 {
		return fmt.Errorf("%w: %w", transmitter.ErrTransmitFailed, errEmptyMessageBody)
	}
	_, err = t.client.SendMessage(t.ctx, t.newInput(string(b), attributes))
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			if _, ok := throttlingErrorCodes[apiErr.ErrorCode()]; ok {
				return transmitter.NewTransmitRetryableError(err, t.retryAfter)
			}
		}
		return fmt.Errorf("%w: failed to send message: %w", transmitter.ErrTransmitFailed, err)
	}
	return nil
}
