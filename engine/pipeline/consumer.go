package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/LotVisionAI/lotvision-mvp/engine/domain"
	"github.com/LotVisionAI/lotvision-mvp/pkg/natsutil"
)

const (
	// IngestSubject carries uploaded documents into the pipeline.
	IngestSubject = "listings.ingest"
	// DLQSubject receives documents the pipeline gave up on.
	DLQSubject = "listings.ingest.dlq"
	// MaxRetries before a transiently failing document goes to the DLQ.
	MaxRetries = 3

	retryHeader = "X-Retry-Count"
)

// Spool holds raw document bytes outside the message bus. Core NATS caps
// payloads at 1MB, so messages carry a reference, never the document.
type Spool interface {
	Put(ctx context.Context, key string, content []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Remove(ctx context.Context, ref string) error
}

// FSSpool spools documents under a local directory, keyed by content hash.
type FSSpool struct {
	Dir string
}

func (s FSSpool) Put(_ context.Context, key string, content []byte) (string, error) {
	path := filepath.Join(s.Dir, key+".pdf")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("spool: write %s: %w", key, err)
	}
	return path, nil
}

func (s FSSpool) Get(_ context.Context, ref string) ([]byte, error) {
	content, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("spool: read %s: %w", ref, err)
	}
	return content, nil
}

func (s FSSpool) Remove(_ context.Context, ref string) error {
	return os.Remove(ref)
}

// ingestJob is the on-bus reference to a spooled document.
type ingestJob struct {
	Filename    string    `json:"filename"`
	ContentHash string    `json:"content_hash"`
	Ref         string    `json:"ref"`
	Size        int       `json:"size"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// dlqMessage is published to the DLQ when a document is abandoned. The
// spooled content is kept so an operator can reprocess it.
type dlqMessage struct {
	Filename    string `json:"filename"`
	ContentHash string `json:"content_hash"`
	Ref         string `json:"ref"`
	State       string `json:"state"`
	Error       string `json:"error"`
	Retries     int    `json:"retries"`
}

// Enqueue spools the document and publishes a reference for processing.
func Enqueue(ctx context.Context, nc *nats.Conn, spool Spool, doc domain.RawDocument) error {
	hash := ContentHash(doc.Content)
	ref, err := spool.Put(ctx, hash, doc.Content)
	if err != nil {
		return err
	}
	return natsutil.Publish(ctx, nc, IngestSubject, ingestJob{
		Filename:    doc.Filename,
		ContentHash: hash,
		Ref:         ref,
		Size:        len(doc.Content),
		UploadedAt:  doc.UploadedAt,
	})
}

// StartConsumer subscribes the orchestrator to the ingest subject. Documents
// are processed with at most maxInflight in flight; terminal failures go to
// the DLQ immediately, transient ones are re-published with a retry header
// until MaxRetries.
func StartConsumer(nc *nats.Conn, orch *Orchestrator, spool Spool, maxInflight int, log *slog.Logger) (*nats.Subscription, error) {
	if maxInflight <= 0 {
		maxInflight = 4
	}
	if log == nil {
		log = slog.Default()
	}
	sem := make(chan struct{}, maxInflight)

	return natsutil.SubscribeMsg(nc, IngestSubject, func(ctx context.Context, msg *nats.Msg) {
		var job ingestJob
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			log.Error("consumer: unmarshal failed", "error", err)
			return
		}

		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			processMessage(ctx, nc, orch, spool, msg, job, log)
			if msg.Reply != "" {
				_ = msg.Ack()
			}
		}()
	})
}

func processMessage(ctx context.Context, nc *nats.Conn, orch *Orchestrator, spool Spool, msg *nats.Msg, job ingestJob, log *slog.Logger) {
	content, err := spool.Get(ctx, job.Ref)
	if err != nil {
		sendToDLQ(nc, job, Outcome{State: domain.StateFailed}, err, retryCount(msg)+1, log)
		return
	}
	doc := domain.RawDocument{
		Content:    content,
		Filename:   job.Filename,
		UploadedAt: job.UploadedAt,
	}

	outcome, err := orch.Process(ctx, doc)
	if err == nil {
		if rmErr := spool.Remove(ctx, job.Ref); rmErr != nil {
			log.Warn("consumer: spool cleanup failed", "ref", job.Ref, "error", rmErr)
		}
		return
	}

	retries := retryCount(msg) + 1
	if retryable(err) && retries < MaxRetries {
		retryMsg := nats.NewMsg(IngestSubject)
		retryMsg.Data = msg.Data
		retryMsg.Header.Set(retryHeader, fmt.Sprintf("%d", retries))
		if pubErr := nc.PublishMsg(retryMsg); pubErr != nil {
			log.Error("consumer: retry publish failed", "file", job.Filename, "error", pubErr)
		}
		return
	}

	sendToDLQ(nc, job, outcome, err, retries, log)
}

func sendToDLQ(nc *nats.Conn, job ingestJob, outcome Outcome, err error, retries int, log *slog.Logger) {
	dlq := dlqMessage{
		Filename:    job.Filename,
		ContentHash: job.ContentHash,
		Ref:         job.Ref,
		State:       string(outcome.State),
		Error:       err.Error(),
		Retries:     retries,
	}
	data, _ := json.Marshal(dlq)
	if pubErr := nc.Publish(DLQSubject, data); pubErr != nil {
		log.Error("consumer: DLQ publish failed", "file", job.Filename, "error", pubErr)
	} else {
		log.Warn("consumer: document sent to DLQ",
			"file", job.Filename, "state", string(outcome.State), "retries", retries)
	}
}

func retryCount(msg *nats.Msg) int {
	if msg.Header == nil {
		return 0
	}
	n := 0
	if v := msg.Header.Get(retryHeader); v != "" {
		fmt.Sscanf(v, "%d", &n)
	}
	return n
}

// retryable reports whether another attempt could plausibly succeed.
// Validation failures, abstentions, and configuration errors cannot.
func retryable(err error) bool {
	if errors.Is(err, domain.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return !domain.IsFatal(err) &&
		!errors.Is(err, domain.ErrEmptyDocument) &&
		!errors.Is(err, domain.ErrInvalidVIN) &&
		!errors.Is(err, domain.ErrVINValidation)
}
