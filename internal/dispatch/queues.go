package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQS queue naming convention:
//   taskrelay-{queue}           -- standard queue
//   taskrelay-{queue}.fifo      -- FIFO queue variant
//   taskrelay-{queue}-dlq       -- transport dead letter queue

// sqsQueueName returns the SQS queue name for a task queue.
func (d *Dispatcher) sqsQueueName(queue string) string {
	name := d.queuePrefix + "-" + sanitizeQueueName(queue)
	if d.useFIFO {
		name += ".fifo"
	}
	return name
}

// sqsDLQName returns the SQS dead letter queue name for a task queue.
func (d *Dispatcher) sqsDLQName(queue string) string {
	name := d.queuePrefix + "-" + sanitizeQueueName(queue) + "-dlq"
	if d.useFIFO {
		name += ".fifo"
	}
	return name
}

// sanitizeQueueName converts a task queue name to an SQS-compatible
// name. SQS allows alphanumerics, hyphens, and underscores.
func sanitizeQueueName(name string) string {
	return strings.ReplaceAll(name, ".", "-")
}

// getOrCreateQueueURL gets (from cache) or creates an SQS queue and
// returns its URL.
func (d *Dispatcher) getOrCreateQueueURL(ctx context.Context, queue string) (string, error) {
	d.queueURLsMu.RLock()
	if url, ok := d.queueURLs[queue]; ok {
		d.queueURLsMu.RUnlock()
		return url, nil
	}
	d.queueURLsMu.RUnlock()

	sqsName := d.sqsQueueName(queue)
	attrs := map[string]string{
		"ReceiveMessageWaitTimeSeconds": "20",      // long polling
		"VisibilityTimeout":             "30",
		"MessageRetentionPeriod":        "1209600", // 14 days
	}
	if d.useFIFO {
		attrs["FifoQueue"] = "true"
		attrs["ContentBasedDeduplication"] = "true"
	}

	result, err := d.sqsClient.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(sqsName),
		Attributes: attrs,
	})
	if err != nil {
		return "", fmt.Errorf("create SQS queue %s: %w", sqsName, err)
	}

	url := *result.QueueUrl
	go d.ensureDLQ(context.Background(), queue, url)

	d.queueURLsMu.Lock()
	d.queueURLs[queue] = url
	d.queueURLsMu.Unlock()

	return url, nil
}

// ensureDLQ creates the transport dead letter queue and wires the
// redrive policy. Messages that fail delivery repeatedly at the SQS
// level land here, separate from the application-level dead letter set.
func (d *Dispatcher) ensureDLQ(ctx context.Context, queue, mainQueueURL string) {
	dlqName := d.sqsDLQName(queue)
	dlqAttrs := map[string]string{
		"MessageRetentionPeriod": "1209600",
	}
	if d.useFIFO {
		dlqAttrs["FifoQueue"] = "true"
		dlqAttrs["ContentBasedDeduplication"] = "true"
	}

	dlqResult, err := d.sqsClient.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(dlqName),
		Attributes: dlqAttrs,
	})
	if err != nil {
		d.logger.Warn("failed to create transport DLQ", "queue", queue, "error", err.Error())
		return
	}

	dlqAttrsResp, err := d.sqsClient.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       dlqResult.QueueUrl,
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		d.logger.Warn("failed to read DLQ ARN", "queue", queue, "error", err.Error())
		return
	}
	dlqArn := dlqAttrsResp.Attributes["QueueArn"]

	redrivePolicy, _ := json.Marshal(map[string]string{
		"deadLetterTargetArn": dlqArn,
		"maxReceiveCount":     "5",
	})
	_, err = d.sqsClient.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{
		QueueUrl: aws.String(mainQueueURL),
		Attributes: map[string]string{
			"RedrivePolicy": string(redrivePolicy),
		},
	})
	if err != nil {
		d.logger.Warn("failed to set redrive policy", "queue", queue, "error", err.Error())
	}
}
