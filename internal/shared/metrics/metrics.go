package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

var (
	uploadsAcceptedTotal      atomic.Uint64
	uploadsRejectedTotal      atomic.Uint64
	conversionsStartedTotal   atomic.Uint64
	conversionsSucceededTotal atomic.Uint64
	downloadsTotal            atomic.Uint64
	downloadFallbacksTotal    atomic.Uint64
	resetsTotal               atomic.Uint64
	noticesReceivedTotal      atomic.Uint64
	noticesDeliveredTotal     atomic.Uint64
	noticesFailedTotal        atomic.Uint64
	noticesDroppedTotal       atomic.Uint64

	pipelineDuration = newHistogram([]float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000})
)

// IncUploadAccepted counts a selection that passed validation.
func IncUploadAccepted() { uploadsAcceptedTotal.Add(1) }

// IncUploadRejected counts a selection rejected for its file type.
func IncUploadRejected() { uploadsRejectedTotal.Add(1) }

// IncConversionStarted counts a submission entering the pipeline.
func IncConversionStarted() { conversionsStartedTotal.Add(1) }

// IncConversionSucceeded counts a pipeline reaching its final phase.
func IncConversionSucceeded() { conversionsSucceededTotal.Add(1) }

// IncDownload counts a streamed result download.
func IncDownload() { downloadsTotal.Add(1) }

// IncDownloadFallback counts a download redirected to a signed URL.
func IncDownloadFallback() { downloadFallbacksTotal.Add(1) }

// IncReset counts a session reset.
func IncReset() { resetsTotal.Add(1) }

// IncNoticeReceived counts a dispatch notice pulled from the queue.
func IncNoticeReceived() { noticesReceivedTotal.Add(1) }

// IncNoticeDelivered counts a notice handled and acknowledged.
func IncNoticeDelivered() { noticesDeliveredTotal.Add(1) }

// IncNoticeFailed counts a notice left on the queue for redelivery.
func IncNoticeFailed() { noticesFailedTotal.Add(1) }

// IncNoticeDropped counts an unreadable notice deleted without handling.
func IncNoticeDropped() { noticesDroppedTotal.Add(1) }

// ObservePipelineDuration records a full pipeline duration.
func ObservePipelineDuration(d time.Duration) {
	value := float64(d) / float64(time.Millisecond)
	if value < 0 {
		value = 0
	}
	pipelineDuration.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "uploads_accepted_total", "Total selections accepted", uploadsAcceptedTotal.Load())
	writeCounter(&buf, "uploads_rejected_total", "Total selections rejected for file type", uploadsRejectedTotal.Load())
	writeCounter(&buf, "conversions_started_total", "Total conversions started", conversionsStartedTotal.Load())
	writeCounter(&buf, "conversions_succeeded_total", "Total conversions succeeded", conversionsSucceededTotal.Load())
	writeCounter(&buf, "result_downloads_total", "Total result downloads streamed", downloadsTotal.Load())
	writeCounter(&buf, "result_download_fallbacks_total", "Total result downloads redirected to a signed URL", downloadFallbacksTotal.Load())
	writeCounter(&buf, "session_resets_total", "Total session resets", resetsTotal.Load())
	writeCounter(&buf, "outbox_notices_received_total", "Total dispatch notices received by the worker", noticesReceivedTotal.Load())
	writeCounter(&buf, "outbox_notices_delivered_total", "Total dispatch notices delivered", noticesDeliveredTotal.Load())
	writeCounter(&buf, "outbox_notices_failed_total", "Total dispatch notices that failed delivery", noticesFailedTotal.Load())
	writeCounter(&buf, "outbox_notices_dropped_total", "Total unreadable dispatch notices dropped", noticesDroppedTotal.Load())
	writeHistogram(&buf, "conversion_pipeline_duration_ms", "Simulated pipeline duration in milliseconds", pipelineDuration.Snapshot())
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// Observe records value in the first bucket whose bound covers it.
func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
			return
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}
