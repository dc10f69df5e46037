package dispatch

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/taskrelay/taskrelay/internal/core"
)

// sendToSQS sends a task as an SQS message. Without a transport the
// task stays pending in the store until a promoter or consumer picks
// it up.
func (d *Dispatcher) sendToSQS(ctx context.Context, task *core.Task) error {
	if d.sqsClient == nil {
		return nil
	}

	queueURL, err := d.getOrCreateQueueURL(ctx, task.Queue)
	if err != nil {
		return err
	}

	body, err := EncodeTask(task)
	if err != nil {
		return err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(body),
	}
	if d.useFIFO {
		// Group by queue for ordering; dedupe on task ID plus attempt so
		// retries of the same task are not swallowed.
		input.MessageGroupId = aws.String(task.Queue)
		input.MessageDeduplicationId = aws.String(fmt.Sprintf("%s-%d", task.ID, task.Attempt))
	}

	if _, err := d.sqsClient.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("SQS SendMessage: %w", err)
	}

	return nil
}
