package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/taskrelay/taskrelay/internal/metrics"
)

// Executor runs one attempt of a task. It is the runner, behind an
// interface so the consumer does not depend on the runner package.
type Executor interface {
	Execute(ctx context.Context, taskID string) error
}

// Consumer long-polls a set of queues and hands each message to the
// executor. The message is deleted only after the executor has driven
// the task to a durable outcome; a crash mid-attempt redelivers it.
type Consumer struct {
	dispatcher  *Dispatcher
	executor    Executor
	queues      []string
	concurrency int
	logger      *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewConsumer creates a consumer for the given queues.
func NewConsumer(d *Dispatcher, executor Executor, queues []string, concurrency int, logger *slog.Logger) *Consumer {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		dispatcher:  d,
		executor:    executor,
		queues:      queues,
		concurrency: concurrency,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the polling loops. Each queue gets its own set of
// workers so a busy queue cannot starve the others.
func (c *Consumer) Start(ctx context.Context) {
	for _, queue := range c.queues {
		for i := 0; i < c.concurrency; i++ {
			c.wg.Add(1)
			go c.pollLoop(ctx, queue)
		}
		metrics.ConsumersActive.WithLabelValues(queue).Set(float64(c.concurrency))
	}
	c.logger.Info("consumers started",
		slog.Int("queues", len(c.queues)),
		slog.Int("concurrency", c.concurrency))
}

// Stop signals the loops to drain and waits for them to exit.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	for _, queue := range c.queues {
		metrics.ConsumersActive.WithLabelValues(queue).Set(0)
	}
}

func (c *Consumer) pollLoop(ctx context.Context, queue string) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		paused, err := c.dispatcher.store.IsQueuePaused(ctx, queue)
		if err == nil && paused {
			select {
			case <-time.After(2 * time.Second):
			case <-c.stopCh:
				return
			}
			continue
		}

		if err := c.pollOnce(ctx, queue); err != nil {
			c.logger.Warn("poll failed",
				slog.String("queue", queue),
				slog.String("error", err.Error()))
			select {
			case <-time.After(time.Second):
			case <-c.stopCh:
				return
			}
		}
	}
}

func (c *Consumer) pollOnce(ctx context.Context, queue string) error {
	queueURL, err := c.dispatcher.getOrCreateQueueURL(ctx, queue)
	if err != nil {
		return err
	}

	result, err := c.dispatcher.sqsClient.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     5,
		VisibilityTimeout:   60,
	})
	if err != nil {
		return err
	}

	for _, msg := range result.Messages {
		task, err := DecodeTask(aws.ToString(msg.Body))
		if err != nil {
			c.logger.Error("malformed message dropped",
				slog.String("queue", queue),
				slog.String("error", err.Error()))
			c.deleteMessage(ctx, queueURL, aws.ToString(msg.ReceiptHandle))
			continue
		}

		// Execute drives the task to a durable outcome: succeeded,
		// failed, or retryable with a scheduled promotion. Either way
		// this delivery is consumed.
		if err := c.executor.Execute(ctx, task.ID); err != nil {
			c.logger.Error("task execution error, message retained for redelivery",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()))
			continue
		}

		c.deleteMessage(ctx, queueURL, aws.ToString(msg.ReceiptHandle))
	}

	return nil
}

func (c *Consumer) deleteMessage(ctx context.Context, queueURL, receiptHandle string) {
	_, err := c.dispatcher.sqsClient.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		c.logger.Warn("failed to delete message", slog.String("error", err.Error()))
	}
}
