package sink

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"orders-etl/internal/models"
)

// S3Config configures the object store holding parquet batches
type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3ParquetSink encodes each batch as one parquet object and uploads it with a single PutObject,
// which the object store makes visible atomically. The object key depends only on the worker and
// batch id, so a batch replayed after a crash overwrites the uncommitted attempt.
type S3ParquetSink struct {
	api    putObjectAPI
	bucket string
	prefix string
	logger *logrus.Logger

	mu      sync.Mutex
	encoder *sql.DB
	tmpDir  string
}

// NewS3ParquetSink builds an S3 client from cfg
func NewS3ParquetSink(ctx context.Context, cfg S3Config, logger *logrus.Logger) (*S3ParquetSink, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return newS3ParquetSink(client, cfg.Bucket, cfg.Prefix, logger)
}

func newS3ParquetSink(api putObjectAPI, bucket, prefix string, logger *logrus.Logger) (*S3ParquetSink, error) {
	encoder, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB encoder: %w", err)
	}
	// temp tables live on a single connection
	encoder.SetMaxOpenConns(1)

	return &S3ParquetSink{
		api:     api,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		logger:  logger,
		encoder: encoder,
		tmpDir:  os.TempDir(),
	}, nil
}

// ObjectKey returns the key of the object holding batch
func (s *S3ParquetSink) ObjectKey(batch models.Batch) string {
	name := fmt.Sprintf("worker=%s/batch-%010d.parquet", batch.Worker, batch.ID)
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// WriteBatch implements Sink
func (s *S3ParquetSink) WriteBatch(ctx context.Context, batch models.Batch) error {
	records := Dedupe(batch.Records)
	if len(records) == 0 {
		return nil
	}

	body, err := s.encode(ctx, records)
	if err != nil {
		return err
	}

	key := s.ObjectKey(batch)
	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/vnd.apache.parquet"),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}

	s.logger.Debugf("Uploaded batch %d (%d rows) to s3://%s/%s", batch.ID, len(records), s.bucket, key)
	return nil
}

// encode renders records as a parquet file through an in-memory DuckDB table
func (s *S3ParquetSink) encode(ctx context.Context, records []models.CanonicalRecord) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file := filepath.Join(s.tmpDir, "orders-etl-"+uuid.NewString()+".parquet")
	defer os.Remove(file)

	tx, err := s.encoder.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin encoder transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, createTableSQL("batch_rows", true)); err != nil {
		return nil, fmt.Errorf("failed to create staging table: %w", err)
	}
	if err := insertRows(ctx, tx, "batch_rows", records); err != nil {
		return nil, err
	}
	copySQL := fmt.Sprintf("COPY batch_rows TO '%s' (FORMAT PARQUET)", strings.ReplaceAll(file, "'", "''"))
	if _, err := tx.ExecContext(ctx, copySQL); err != nil {
		return nil, fmt.Errorf("failed to encode parquet: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE batch_rows"); err != nil {
		return nil, fmt.Errorf("failed to drop staging table: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit encoder transaction: %w", err)
	}

	body, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet file: %w", err)
	}
	return body, nil
}

// Close implements Sink
func (s *S3ParquetSink) Close() error {
	return s.encoder.Close()
}
