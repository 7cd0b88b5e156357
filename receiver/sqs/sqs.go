package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/amplify-security/analytics-bridge/analytics"
	"github.com/amplify-security/probe/pool"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const (
	// ApproximateReceiveCountSQSAttribute SQS attribute key for the approximate number of times the message has been received.
	ApproximateReceiveCountSQSAttribute = "ApproximateReceiveCount"
	// DefaultRetryVisibilityTimeout is the visibility timeout, in seconds, applied to messages that are retried.
	DefaultRetryVisibilityTimeout = 30
	// DefaultMaxReceiveCount is the number of receives after which a retried message is discarded.
	DefaultMaxReceiveCount = 5
)

var (
	errNoMessageBody    = errors.New("message body is nil")
	errMalformedMessage = errors.New("malformed track message")
)

type (
	// MessageReader interface defines the read messages API for SQS. This interface
	// allows for mocking the SQS client in tests.
	MessageReader interface {
		GetQueueUrl(context.Context, *sqs.GetQueueUrlInput, ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
		ReceiveMessage(context.Context, *sqs.ReceiveMessageInput, ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	}

	// MessageWriter interface defines the write messages API for SQS. This interface
	// allows for mocking the SQS client in tests.
	MessageWriter interface {
		DeleteMessageBatch(context.Context, *sqs.DeleteMessageBatchInput, ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
		ChangeMessageVisibilityBatch(context.Context, *sqs.ChangeMessageVisibilityBatchInput, ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error)
	}

	// MessageReadWriter interface defines the read and write messages API for SQS. This interface
	// allows for mocking the SQS client in tests.
	MessageReadWriter interface {
		MessageReader
		MessageWriter
	}

	// Tracker interface defines the event tracking API of the analytics bridge. This interface
	// allows for mocking the bridge in tests.
	Tracker interface {
		TrackEvent(string, map[string]any) (string, error)
		TrackEventForTransmissionTarget(string, string, map[string]any) (string, error)
	}

	// ReceiverConfig encapsulates all configuration settings for the Receiver.
	ReceiverConfig struct {
		LogHandler             slog.Handler
		SQSClient              MessageReadWriter
		SQSQueueName           string
		BatchSize              int
		MaxWorkers             int
		RetryVisibilityTimeout int
		MaxReceiveCount        int
		Tracker                Tracker
		Ctx                    context.Context
	}

	// Receiver long polls an SQS queue for track messages and replays them through the bridge.
	Receiver struct {
		log                    *slog.Logger
		client                 MessageReadWriter
		queueURL               string
		batchSize              int32
		retryVisibilityTimeout int32
		maxReceiveCount        int
		ctx                    context.Context
		cancel                 context.CancelFunc
		pool                   *pool.Pool
		messages               chan *message
		results                chan *trackResult
	}

	// TrackMessage is the JSON body of a track message. When TargetToken is set the event is
	// tracked for that transmission target.
	TrackMessage struct {
		TargetToken string         `json:"targetToken,omitempty"`
		Name        string         `json:"name"`
		Properties  map[string]any `json:"properties,omitempty"`
	}

	// message encapsulates the SQS message and attributes.
	message struct {
		MessageID     *string
		ReceiptHandle *string
		Body          *string
		Attributes    map[string]string
	}

	// trackResult encapsulates the result of a track operation.
	trackResult struct {
		MessageID     *string
		ReceiptHandle *string
		ReceiveCount  int
		err           error
	}

	// handlerConfig encapsulates all configuration settings for the handler.
	handlerConfig struct {
		Tracker Tracker
		Ctx     context.Context
		Work    chan *message
		Results chan *trackResult
	}

	// handler tracks the messages received from the SQS queue.
	handler struct {
		tracker Tracker
		ctx     context.Context
		work    chan *message
		results chan *trackResult
	}
)

// newHandler initializes and returns a new handler.
func newHandler(c *handlerConfig) *handler {
	return &handler{
		tracker: c.Tracker,
		ctx:     c.Ctx,
		work:    c.Work,
		results: c.Results,
	}
}

// receiveCount returns the approximate receive count of the message, or 0 if unknown.
func (m *message) receiveCount() int {
	n, err := strconv.Atoi(m.Attributes[ApproximateReceiveCountSQSAttribute])
	if err != nil {
		return 0
	}
	return n
}

// handleMessage decodes the message and tracks the event it describes.
func (h *handler) handleMessage(m *message) error {
	if m.Body == nil {
		return fmt.Errorf("sqs.handler.handleMessage: %w", errNoMessageBody)
	}
	var tm TrackMessage
	if err := json.Unmarshal([]byte(*m.Body), &tm); err != nil {
		return fmt.Errorf("sqs.handler.handleMessage: %w: %w", errMalformedMessage, err)
	}
	if tm.TargetToken != "" {
		_, err := h.tracker.TrackEventForTransmissionTarget(tm.TargetToken, tm.Name, tm.Properties)
		return err
	}
	_, err := h.tracker.TrackEvent(tm.Name, tm.Properties)
	return err
}

// handleMessages tracks messages received on the work channel and submits results to the results channel.
func (h *handler) handleMessages() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case m := <-h.work:
			h.results <- &trackResult{
				MessageID:     m.MessageID,
				ReceiptHandle: m.ReceiptHandle,
				ReceiveCount:  m.receiveCount(),
				err:           h.handleMessage(m),
			}
		}
	}
}

// NewReceiver resolves the queue URL, starts the message handlers and returns a new Receiver.
func NewReceiver(c *ReceiverConfig) (*Receiver, error) {
	log := slog.New(c.LogHandler).With("source", "sqs.Receiver")
	res, err := c.SQSClient.GetQueueUrl(c.Ctx, &sqs.GetQueueUrlInput{
		QueueName: &c.SQSQueueName,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs.NewReceiver: failed to get queue URL for %s: %w", c.SQSQueueName, err)
	}
	batchSize := c.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	workers := batchSize
	if c.MaxWorkers != 0 {
		workers = c.MaxWorkers
	}
	retryVisibilityTimeout := c.RetryVisibilityTimeout
	if retryVisibilityTimeout <= 0 {
		retryVisibilityTimeout = DefaultRetryVisibilityTimeout
	}
	maxReceiveCount := c.MaxReceiveCount
	if maxReceiveCount <= 0 {
		maxReceiveCount = DefaultMaxReceiveCount
	}
	messages := make(chan *message, batchSize)
	results := make(chan *trackResult, batchSize)
	ctx, cancel := context.WithCancel(context.Background())
	p := pool.NewPool(&pool.PoolConfig{
		Size:       workers,
		BufferSize: workers,
		Ctx:        ctx,
	})
	for range workers {
		// start message handlers
		h := newHandler(&handlerConfig{
			Tracker: c.Tracker,
			Ctx:     ctx,
			Work:    messages,
			Results: results,
		})
		p.Run(h.handleMessages)
	}
	return &Receiver{
		log:                    log,
		client:                 c.SQSClient,
		queueURL:               *res.QueueUrl,
		batchSize:              int32(batchSize),
		retryVisibilityTimeout: int32(retryVisibilityTimeout),
		maxReceiveCount:        maxReceiveCount,
		ctx:                    c.Ctx,
		cancel:                 cancel,
		pool:                   p,
		messages:               messages,
		results:                results,
	}, nil
}

// retryable reports whether a track error may succeed on a later delivery. An unknown
// transmission target token may be registered by the time the message is received again.
func retryable(err error) bool {
	return errors.Is(err, analytics.ErrInvalidTransmissionTargetToken)
}

// processMessages processes any messages in the SQS receive message response.
func (p *Receiver) processMessages(res *sqs.ReceiveMessageOutput) {
	if len(res.Messages) == 0 {
		// empty receive, nothing to do here
		return
	}
	for _, msg := range res.Messages {
		p.messages <- &message{
			MessageID:     msg.MessageId,
			ReceiptHandle: msg.ReceiptHandle,
			Body:          msg.Body,
			Attributes:    msg.Attributes,
		}
	}
	deleteEntries := []types.DeleteMessageBatchRequestEntry{}
	retryEntries := []types.ChangeMessageVisibilityBatchRequestEntry{}
	for range len(res.Messages) {
		// this channel read will block until all messages from the previous batch are handled
		r := <-p.results
		if r.err != nil && retryable(r.err) && r.ReceiveCount < p.maxReceiveCount {
			retryEntries = append(retryEntries, types.ChangeMessageVisibilityBatchRequestEntry{
				Id:                r.MessageID,
				ReceiptHandle:     r.ReceiptHandle,
				VisibilityTimeout: p.retryVisibilityTimeout,
			})
			continue
		}
		if r.err != nil {
			p.log.Error("discarding track message", "message_id", aws.ToString(r.MessageID), "receive_count", r.ReceiveCount, "error", r.err)
		}
		deleteEntries = append(deleteEntries, types.DeleteMessageBatchRequestEntry{
			Id:            r.MessageID,
			ReceiptHandle: r.ReceiptHandle,
		})
	}
	if len(deleteEntries) > 0 {
		// delete messages that were tracked or cannot be tracked
		_, err := p.client.DeleteMessageBatch(p.ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: &p.queueURL,
			Entries:  deleteEntries,
		})
		if err != nil {
			p.log.Error("failed to delete messages", "error", err)
		}
	}
	if len(retryEntries) > 0 {
		// delay messages that may be tracked on a later delivery
		_, err := p.client.ChangeMessageVisibilityBatch(p.ctx, &sqs.ChangeMessageVisibilityBatchInput{
			QueueUrl: &p.queueURL,
			Entries:  retryEntries,
		})
		if err != nil {
			p.log.Error("failed to update message visibility", "error", err)
		}
	}
}

// Rx starts the Receiver event loop to receive messages.
func (p *Receiver) Rx() {
	p.log.Info("starting event loop", "queue_url", p.queueURL)
	for {
		select {
		case <-p.ctx.Done():
			p.log.Info("stopping event loop")
			p.cancel()
			p.pool.Stop(true)
			return
		default:
			// poll for new messages on the queue
			res, err := p.client.ReceiveMessage(p.ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            &p.queueURL,
				MaxNumberOfMessages: p.batchSize,
				WaitTimeSeconds:     20,
				// this is a workaround until aws-sdk-go-v2 fixes issue #2124 https://github.com/aws/aws-sdk-go-v2/issues/2124
				AttributeNames: []types.QueueAttributeName{
					types.QueueAttributeName(ApproximateReceiveCountSQSAttribute),
				},
			})
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					p.log.Error("failed to receive messages", "error", err)
				}
				continue
			}
			p.processMessages(res)
		}
	}
}
