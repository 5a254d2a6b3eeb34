// Package archive exports sealed audit records to S3-compatible object
// storage as JSONL segments named <prefix>/audit-<fromSeq>-<toSeq>.jsonl.
// Each segment is verified against the chain before it is uploaded, so an
// archived segment always links to the one before it.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/workbench/simengine/internal/audit"
	"github.com/workbench/simengine/internal/metrics"
	"github.com/workbench/simengine/internal/store"
)

// Client is the subset of the S3 API the archiver uses.
type Client interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// ClientConfig configures the S3 client. Endpoint is set for
// S3-compatible providers (MinIO, R2) and left empty for AWS.
type ClientConfig struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

// NewClient builds an S3 client. Static credentials are used when an
// access key is given, otherwise the default AWS credential chain.
func NewClient(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("archive: region is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if u, err := url.Parse(endpoint); err != nil || u.Scheme == "" {
			endpoint = "https://" + endpoint
		}
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(endpoint) })
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}
	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// Archiver uploads audit segments. It is safe for concurrent use; uploads
// are serialized.
type Archiver struct {
	client Client
	store  store.Reader
	bucket string
	prefix string
	batch  int

	mu       sync.Mutex
	lastSeq  int64
	lastHash string
}

// New creates an archiver that has archived nothing yet. Call Resume to
// continue after the segments already in the bucket.
func New(client Client, r store.Reader, bucket, prefix string, batch int) *Archiver {
	if batch <= 0 {
		batch = 5000
	}
	return &Archiver{
		client:   client,
		store:    r,
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		batch:    batch,
		lastHash: audit.GenesisHash,
	}
}

// SegmentKey is the object key for records from..to inclusive.
func SegmentKey(prefix string, from, to int64) string {
	return path.Join(prefix, fmt.Sprintf("audit-%012d-%012d.jsonl", from, to))
}

// parseSegmentKey returns the sequence range encoded in key.
func parseSegmentKey(key string) (from, to int64, ok bool) {
	name := path.Base(key)
	if _, err := fmt.Sscanf(name, "audit-%d-%d.jsonl", &from, &to); err != nil {
		return 0, 0, false
	}
	return from, to, from > 0 && to >= from
}

// LastSeq is the highest archived sequence number.
func (a *Archiver) LastSeq() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSeq
}

// Resume positions the archiver after the highest segment in the bucket.
func (a *Archiver) Resume(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var last int64
	in := &s3.ListObjectsV2Input{Bucket: aws.String(a.bucket), Prefix: aws.String(a.prefix + "/")}
	for {
		out, err := a.client.ListObjectsV2(ctx, in)
		if err != nil {
			return fmt.Errorf("archive: list segments: %w", err)
		}
		for _, obj := range out.Contents {
			if _, to, ok := parseSegmentKey(aws.ToString(obj.Key)); ok && to > last {
				last = to
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		in.ContinuationToken = out.NextContinuationToken
	}
	if last == 0 {
		return nil
	}

	recs, err := a.store.ListAudit(ctx, store.AuditFilter{AfterSeq: last - 1, Limit: 1})
	if err != nil {
		return err
	}
	if len(recs) == 0 || recs[0].Seq != last {
		return fmt.Errorf("archive: bucket holds seq %d which the store does not have", last)
	}
	a.lastSeq, a.lastHash = last, recs[0].Hash
	slog.Info("audit archive resumed", "bucket", a.bucket, "last_seq", last)
	return nil
}

// ArchiveOnce uploads the next segment of at most batch records and returns
// how many records it contained. Zero means the archive is caught up.
func (a *Archiver) ArchiveOnce(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	recs, err := a.store.ListAudit(ctx, store.AuditFilter{AfterSeq: a.lastSeq, Limit: a.batch})
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}
	if _, err := audit.VerifyFrom(a.lastSeq, a.lastHash, recs); err != nil {
		return 0, fmt.Errorf("archive: refusing to upload: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range recs {
		if err := enc.Encode(&recs[i]); err != nil {
			return 0, err
		}
	}

	first, last := recs[0], recs[len(recs)-1]
	key := SegmentKey(a.prefix, first.Seq, last.Seq)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return 0, fmt.Errorf("archive: put %s: %w", key, err)
	}

	a.lastSeq, a.lastHash = last.Seq, last.Hash
	metrics.AuditArchived.Add(float64(len(recs)))
	slog.Info("audit segment archived", "key", key, "records", len(recs))
	return len(recs), nil
}

// Run archives on every tick until ctx is done, draining the backlog a
// segment at a time.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for {
			n, err := a.ArchiveOnce(ctx)
			if err != nil {
				slog.Error("audit archive failed", "err", err)
				break
			}
			if n < a.batch {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
