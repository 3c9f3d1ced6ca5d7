package driftline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"
)

// ArchiveConfig configures archival of sealed audit segments to S3 or an
// S3-compatible store. Retention beyond the local device is owned by this
// collaborator; the local chain is never truncated by the archiver.
type ArchiveConfig struct {
	// Enabled turns on archival.
	Enabled bool

	Bucket   string
	Region   string
	Endpoint string // for S3-compatible services (MinIO, etc.)
	// AccessKeyID and SecretAccessKey authenticate the client. Prefer IAM
	// roles or environment variables over setting these directly.
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	UsePathStyle    bool

	// SegmentSize is the number of entries per sealed segment. Default: 500.
	SegmentSize int

	// Interval is how often new entries are checked for. Default: 5m.
	Interval time.Duration

	// Retry governs upload retry pacing.
	Retry BackoffConfig
}

// AuditArchiver uploads sealed audit segments as snappy-compressed JSON
// lines, keyed by the segment's sequence range.
type AuditArchiver struct {
	client  *s3.Client
	config  ArchiveConfig
	audit   *AuditLog
	retryer *Retryer
	clock   Clock

	mu          sync.Mutex
	archivedSeq int64
	running     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAuditArchiver creates an archiver over the given audit log.
func NewAuditArchiver(cfg ArchiveConfig, audit *AuditLog, clock Clock) (*AuditArchiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = 500
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &AuditArchiver{
		client:  s3.NewFromConfig(awsCfg, s3Opts...),
		config:  cfg,
		audit:   audit,
		retryer: NewRetryer(cfg.Retry, clock),
		clock:   clock,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the archival loop.
func (a *AuditArchiver) Start() {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-a.ctx.Done():
				return
			case <-ticker.C:
				if err := a.ArchivePending(a.ctx); err != nil {
					log.Printf("driftline: audit archive failed: %v", err)
				}
			}
		}
	}()
}

// Stop shuts down the archival loop.
func (a *AuditArchiver) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	a.cancel()
	a.wg.Wait()
}

// ArchivePending uploads all full segments of not-yet-archived entries.
func (a *AuditArchiver) ArchivePending(ctx context.Context) error {
	for {
		a.mu.Lock()
		since := a.archivedSeq
		a.mu.Unlock()

		entries, err := a.audit.store.LoadAuditEntries(since, a.config.SegmentSize)
		if err != nil {
			return err
		}
		if len(entries) < a.config.SegmentSize {
			return nil
		}

		first, last := entries[0].Seq, entries[len(entries)-1].Seq
		key := fmt.Sprintf("%saudit/%012d-%012d.jsonl.sz", a.config.Prefix, first, last)
		body, err := encodeSegment(entries)
		if err != nil {
			return err
		}

		err = a.retryer.Do(ctx, func() error {
			_, putErr := a.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket: aws.String(a.config.Bucket),
				Key:    aws.String(key),
				Body:   bytes.NewReader(body),
			})
			if putErr != nil {
				return newRemoteError(RemoteNetworkFailure, "archive segment upload failed", putErr)
			}
			return nil
		})
		if err != nil {
			return err
		}

		a.mu.Lock()
		a.archivedSeq = last
		a.mu.Unlock()
	}
}

// encodeSegment renders entries as snappy-compressed JSON lines, each line
// carrying the chain hashes so segments are independently verifiable.
func encodeSegment(entries []storedAuditEntry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		line := struct {
			Seq      int64             `json:"seq"`
			Hash     string            `json:"hash"`
			PrevHash string            `json:"prev_hash"`
			Entry    *ConflictLogEntry `json:"entry"`
		}{e.Seq, e.Hash, e.PrevHash, e.Entry}
		if err := enc.Encode(line); err != nil {
			return nil, err
		}
	}
	return snappy.Encode(nil, buf.Bytes()), nil
}
