package main

// Drain the dispatch notice queue:
//   OUTBOX_SQS_QUEUE_URL=... go run ./cmd/worker

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/gin-gonic/gin"

	"himan-converter/internal/shared/config"
	"himan-converter/internal/shared/metrics"
	"himan-converter/internal/shared/telemetry"
	"himan-converter/internal/workerproc"
)

const (
	defaultRegion             = "us-east-1"
	defaultVisibilitySeconds  = 60
	defaultWorkerConcurrency  = 4
	defaultShutdownTimeoutSec = 30
	defaultMetricsAddr        = ":9091"
	deleteTimeout             = 10 * time.Second
)

func main() {
	cfg := config.Load()

	queueURL := strings.TrimSpace(cfg.OutboxSQSQueueURL)
	if queueURL == "" {
		log.Fatal("OUTBOX_SQS_QUEUE_URL is required")
	}
	region := cfg.AWSRegion
	if region == "" {
		region = defaultRegion
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	visibilitySeconds := envInt("WORKER_VISIBILITY_TIMEOUT_SECONDS", defaultVisibilitySeconds)
	concurrency := envInt("WORKER_CONCURRENCY", defaultWorkerConcurrency)
	shutdownTimeout := time.Duration(envInt("WORKER_SHUTDOWN_TIMEOUT_SECONDS", defaultShutdownTimeoutSec)) * time.Second

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		log.Fatalf("load aws config: %v", err)
	}
	var sqsClient sqsAPI = sqs.NewFromConfig(awsCfg)
	var deliverer workerproc.Deliverer = workerproc.LogDeliverer{}

	metricsSrv := newMetricsServer(envString("WORKER_METRICS_ADDR", defaultMetricsAddr))
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server: %v", err)
		}
	}()

	sem := make(chan struct{}, max(1, concurrency))
	var wg sync.WaitGroup

	log.Printf("worker started queue=%s concurrency=%d visibility=%ds", queueURL, concurrency, visibilitySeconds)

pollLoop:
	for {
		select {
		case <-ctx.Done():
			break pollLoop
		default:
		}

		resp, err := sqsClient.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
			VisibilityTimeout:   int32(visibilitySeconds),
			AttributeNames:      []sqstypes.QueueAttributeName{sqstypes.QueueAttributeName("ApproximateReceiveCount")},
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				break pollLoop
			}
			log.Printf("receive message: %v", err)
			continue
		}

		for _, msg := range resp.Messages {
			select {
			case <-ctx.Done():
				break pollLoop
			case sem <- struct{}{}:
			}
			metrics.IncNoticeReceived()
			wg.Add(1)
			go func(m sqstypes.Message) {
				defer wg.Done()
				defer func() { <-sem }()
				handleMessage(ctx, sqsClient, queueURL, deliverer, m)
			}(msg)
		}
	}

	log.Printf("shutdown requested, waiting up to %s for in-flight notices", shutdownTimeout)
	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(shutdownTimeout):
		log.Printf("shutdown timeout reached; exiting with in-flight notices")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics shutdown: %v", err)
	}
}

func newMetricsServer(addr string) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.GET("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

func handleMessage(ctx context.Context, client sqsAPI, queueURL string, deliverer workerproc.Deliverer, msg sqstypes.Message) {
	body := aws.ToString(msg.Body)

	notice, meta, err := workerproc.ParseMessage(body)
	if err != nil {
		fields := baseFields(msg, notice.ConversionID, notice.RequestID)
		fields["body_len"] = meta.BodyLen
		if meta.BodySHA != "" {
			fields["body_sha256"] = meta.BodySHA
		}
		fields["error"] = err.Error()

		event := "worker.notice.decode_failed"
		var missing workerproc.ErrMissingConversionID
		var version workerproc.ErrUnsupportedVersion
		var empty workerproc.ErrEmptyBody
		switch {
		case errors.As(err, &empty):
			event = "worker.notice.empty_body"
		case errors.As(err, &missing):
			event = "worker.notice.missing_id"
		case errors.As(err, &version):
			event = "worker.notice.unsupported_version"
			fields["version"] = version.Version
		}
		telemetry.Error(event, fields)
		if deleteMessage(ctx, client, queueURL, msg, notice.ConversionID, notice.RequestID) {
			metrics.IncNoticeDropped()
		}
		return
	}

	telemetry.Info("worker.notice.received", baseFields(msg, notice.ConversionID, notice.RequestID))

	if err := workerproc.HandleMessage(ctx, deliverer, body); err != nil {
		fields := baseFields(msg, notice.ConversionID, notice.RequestID)
		var deliverErr workerproc.ErrDeliver
		if errors.As(err, &deliverErr) && deliverErr.Err != nil {
			fields["error"] = deliverErr.Err.Error()
		} else {
			fields["error"] = err.Error()
		}
		telemetry.Error("worker.notice.failed", fields)
		metrics.IncNoticeFailed()
		return
	}

	if deleteMessage(ctx, client, queueURL, msg, notice.ConversionID, notice.RequestID) {
		telemetry.Info("worker.notice.completed", baseFields(msg, notice.ConversionID, notice.RequestID))
		metrics.IncNoticeDelivered()
	}
}

func deleteMessage(ctx context.Context, client sqsAPI, queueURL string, msg sqstypes.Message, conversionID, requestID string) bool {
	receipt := aws.ToString(msg.ReceiptHandle)
	if receipt == "" {
		fields := baseFields(msg, conversionID, requestID)
		fields["error"] = "missing receipt handle"
		telemetry.Error("worker.notice.delete_failed", fields)
		return false
	}
	// A delivered notice is acknowledged even when shutdown has begun.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deleteTimeout)
	defer cancel()
	if _, err := client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receipt),
	}); err != nil {
		fields := baseFields(msg, conversionID, requestID)
		fields["error"] = err.Error()
		telemetry.Error("worker.notice.delete_failed", fields)
		return false
	}
	return true
}

func baseFields(msg sqstypes.Message, conversionID, requestID string) map[string]any {
	fields := map[string]any{
		"conversion_id":  conversionID,
		"sqs_message_id": aws.ToString(msg.MessageId),
		"receive_count":  receiveCount(msg),
	}
	if strings.TrimSpace(requestID) != "" {
		fields["request_id"] = requestID
	}
	return fields
}

func receiveCount(msg sqstypes.Message) int {
	if msg.Attributes == nil {
		return 0
	}
	raw := msg.Attributes["ApproximateReceiveCount"]
	if raw == "" {
		return 0
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return parsed
}

func envString(key, def string) string {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		return raw
	}
	return def
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return val
}
