package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/malbeclabs/silverlake/pipeline/pkg/record"
)

const (
	DefaultRegion = "us-east-1"
	maxListKeys   = 1000
)

// S3API is the subset of the S3 client used by S3Source.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3SourceConfig struct {
	Bucket string
	// Prefix selects one entity's change files, e.g. "bronze/bookings/".
	Prefix      string
	Region      string
	EndpointURL string // Optional custom endpoint (for MinIO testing)
	// Anonymous uses empty static credentials for public buckets.
	Anonymous bool
	// Client overrides the S3 client, mainly for tests.
	Client S3API
}

func (cfg *S3SourceConfig) Validate() error {
	if cfg.Bucket == "" {
		return errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	return nil
}

// S3Source reads newline-delimited JSON objects under a prefix. Objects are
// consumed in key order, so writers must use sortable names (timestamp or
// sequence prefixes). The cursor is "<key>\t<line>": the next line to read
// in key, or the start of the first key after it when line is past the end.
type S3Source struct {
	client S3API
	bucket string
	prefix string
}

func NewS3Source(ctx context.Context, cfg S3SourceConfig) (*S3Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := cfg.Client
	if client == nil {
		opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
		if cfg.Anonymous {
			opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("", "", "")))
		}
		awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		clientOpts := []func(*s3.Options){
			func(o *s3.Options) {
				o.UsePathStyle = true // Required for MinIO compatibility
			},
		}
		if cfg.EndpointURL != "" {
			clientOpts = append(clientOpts, func(o *s3.Options) {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			})
		}
		client = s3.NewFromConfig(awsCfg, clientOpts...)
	}

	return &S3Source{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func encodeCursor(key string, line int) string {
	return key + "\t" + strconv.Itoa(line)
}

func decodeCursor(cursor string) (string, int, error) {
	if cursor == "" {
		return "", 0, nil
	}
	key, lineStr, ok := strings.Cut(cursor, "\t")
	if !ok {
		return "", 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	line, err := strconv.Atoi(lineStr)
	if err != nil || line < 0 {
		return "", 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	return key, line, nil
}

func (s *S3Source) Read(ctx context.Context, cursor string, limit int) (Batch, error) {
	key, line, err := decodeCursor(cursor)
	if err != nil {
		return Batch{}, err
	}

	batch := Batch{Next: cursor}

	// Finish the partially read object first.
	if key != "" {
		recs, next, skipped, done, err := s.readObject(ctx, key, line, remaining(limit, 0))
		if err != nil && !isNoSuchKey(err) {
			return Batch{}, err
		}
		batch.Records = append(batch.Records, recs...)
		batch.Skipped += skipped
		batch.Next = encodeCursor(key, next)
		if !done {
			return batch, nil
		}
	}

	startAfter := key
	for limit <= 0 || len(batch.Records) < limit {
		keys, truncated, err := s.listAfter(ctx, startAfter)
		if err != nil {
			return Batch{}, err
		}
		if len(keys) == 0 {
			batch.CaughtUp = true
			return batch, nil
		}
		for _, k := range keys {
			if limit > 0 && len(batch.Records) >= limit {
				return batch, nil
			}
			recs, next, skipped, done, err := s.readObject(ctx, k, 0, remaining(limit, len(batch.Records)))
			if err != nil {
				return Batch{}, err
			}
			batch.Records = append(batch.Records, recs...)
			batch.Skipped += skipped
			batch.Next = encodeCursor(k, next)
			if !done {
				return batch, nil
			}
			startAfter = k
		}
		if !truncated {
			batch.CaughtUp = true
			return batch, nil
		}
	}
	return batch, nil
}

func remaining(limit, have int) int {
	if limit <= 0 {
		return 0
	}
	return limit - have
}

func (s *S3Source) listAfter(ctx context.Context, startAfter string) ([]string, bool, error) {
	in := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		MaxKeys: aws.Int32(maxListKeys),
	}
	if s.prefix != "" {
		in.Prefix = aws.String(s.prefix)
	}
	if startAfter != "" {
		in.StartAfter = aws.String(startAfter)
	}
	out, err := s.client.ListObjectsV2(ctx, in)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list objects: %w", err)
	}
	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		if obj.Key == nil || strings.HasSuffix(*obj.Key, "/") {
			continue
		}
		keys = append(keys, *obj.Key)
	}
	return keys, aws.ToBool(out.IsTruncated), nil
}

// readObject returns up to limit records (0 = all) starting at line skip and
// the number of undecodable lines passed over. done reports whether the
// object was read to the end.
func (s *S3Source) readObject(ctx context.Context, key string, skip, limit int) ([]record.Record, int, int, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, skip, 0, true, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer out.Body.Close()

	recs, next, skipped, done, err := decodeLines(out.Body, skip, limit)
	if err != nil {
		return nil, skip, 0, false, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return recs, next, skipped, done, nil
}

// decodeLines reads JSON objects one per line. Blank lines count as lines so
// cursors stay stable. Lines that are not a JSON object are counted in skipped
// and passed over, so one bad line cannot stall the stream. Numbers decode as
// json.Number to keep integer keys exact.
func decodeLines(r io.Reader, skip, limit int) (recs []record.Record, next, skipped int, done bool, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		if line < skip {
			line++
			continue
		}
		if limit > 0 && len(recs) >= limit {
			return recs, line, skipped, false, nil
		}
		text := bytes.TrimSpace(sc.Bytes())
		line++
		if len(text) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(text))
		dec.UseNumber()
		var rec record.Record
		if err := dec.Decode(&rec); err != nil || rec == nil {
			skipped++
			continue
		}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, line, 0, false, err
	}
	return recs, max(line, skip), skipped, true, nil
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	return errors.As(err, &nsk)
}

func (s *S3Source) Close() error {
	return nil
}
