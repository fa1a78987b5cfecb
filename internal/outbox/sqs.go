package outbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"himan-converter/internal/shared/telemetry"
)

const defaultSQSRegion = "us-east-1"

type sendMessageAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSOutbox publishes notices to an SQS queue for downstream consumers.
type SQSOutbox struct {
	client   sendMessageAPI
	queueURL string
}

// NewSQSOutbox constructs an SQS-backed outbox.
func NewSQSOutbox(ctx context.Context, region, queueURL string) (*SQSOutbox, error) {
	queueURL = strings.TrimSpace(queueURL)
	if queueURL == "" {
		return nil, fmt.Errorf("OUTBOX_SQS_QUEUE_URL is required")
	}
	region = strings.TrimSpace(region)
	if region == "" {
		region = defaultSQSRegion
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewSQSOutboxWithClient(sqs.NewFromConfig(cfg), queueURL), nil
}

// NewSQSOutboxWithClient wires an existing client.
func NewSQSOutboxWithClient(client sendMessageAPI, queueURL string) *SQSOutbox {
	return &SQSOutbox{client: client, queueURL: queueURL}
}

// Dispatch delivers a notice to the configured SQS queue.
func (s *SQSOutbox) Dispatch(ctx context.Context, notice Notice) error {
	payload, err := EncodeNotice(notice)
	if err != nil {
		return fmt.Errorf("encode sqs notice: %w", err)
	}

	out, err := s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"version": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(fmt.Sprintf("%d", notice.Version)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("sqs send message: %w", err)
	}

	telemetry.Info("outbox.dispatch", map[string]any{
		"request_id":     notice.RequestID,
		"conversion_id":  notice.ConversionID,
		"recipient":      notice.Recipient,
		"converted_name": notice.ConvertedName,
		"transport":      "sqs",
		"message_id":     aws.ToString(out.MessageId),
	})
	return nil
}

var _ Outbox = (*SQSOutbox)(nil)
