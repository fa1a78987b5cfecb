package main

// Build the Lambda handler binary:
//   GOOS=linux GOARCH=amd64 CGO_ENABLED=0 go build -o bootstrap ./cmd/lambda-worker

import (
	"context"
	"errors"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"himan-converter/internal/shared/metrics"
	"himan-converter/internal/shared/telemetry"
	"himan-converter/internal/workerproc"
)

var deliverer workerproc.Deliverer = workerproc.LogDeliverer{}

func handler(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	failures := make([]events.SQSBatchItemFailure, 0)
	for _, record := range event.Records {
		metrics.IncNoticeReceived()
		err := workerproc.HandleMessage(ctx, deliverer, record.Body)
		if err == nil {
			metrics.IncNoticeDelivered()
			continue
		}

		fields := map[string]any{
			"sqs_message_id": record.MessageId,
			"error":          err.Error(),
		}
		var deliverErr workerproc.ErrDeliver
		if errors.As(err, &deliverErr) {
			fields["conversion_id"] = deliverErr.ConversionID
			fields["request_id"] = deliverErr.RequestID
			telemetry.Error("worker.notice.failed", fields)
			metrics.IncNoticeFailed()
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
			continue
		}
		// Unreadable notices are acknowledged so they do not cycle.
		telemetry.Error("worker.notice.decode_failed", fields)
		metrics.IncNoticeDropped()
	}

	return events.SQSEventResponse{BatchItemFailures: failures}, nil
}

func main() {
	lambda.Start(handler)
}
