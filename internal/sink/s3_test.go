package sink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orders-etl/internal/models"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func TestS3ParquetSinkUploadsOneObjectPerBatch(t *testing.T) {
	api := &fakeS3{objects: make(map[string][]byte)}
	s, err := newS3ParquetSink(api, "lake", "/transformed_orders/", quietLogger())
	require.NoError(t, err)
	defer s.Close()

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	batch := models.Batch{ID: 7, Worker: "orders_etl_group-0", FirstPosition: 1, LastPosition: 2, Records: []models.CanonicalRecord{
		fullRecord("O1", ts, false),
		fullRecord("O2", ts, true),
	}}

	require.NoError(t, s.WriteBatch(context.Background(), batch))
	// Rewriting the batch overwrites the same key
	require.NoError(t, s.WriteBatch(context.Background(), batch))

	key := "lake/transformed_orders/worker=orders_etl_group-0/batch-0000000007.parquet"
	require.Len(t, api.objects, 1)
	body, ok := api.objects[key]
	require.True(t, ok, "objects: %v", api.objects)
	assert.True(t, bytes.HasPrefix(body, []byte("PAR1")))
	assert.True(t, bytes.HasSuffix(body, []byte("PAR1")))
}

func TestS3ParquetSinkSkipsBatchWithoutRecords(t *testing.T) {
	api := &fakeS3{objects: make(map[string][]byte)}
	s, err := newS3ParquetSink(api, "lake", "", quietLogger())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.WriteBatch(context.Background(), models.Batch{ID: 1, LastPosition: 5}))
	assert.Empty(t, api.objects)
	assert.Equal(t, "worker=w/batch-0000000001.parquet", s.ObjectKey(models.Batch{ID: 1, Worker: "w"}))
}

func TestS3ParquetSinkPropagatesUploadError(t *testing.T) {
	api := &fakeS3{objects: make(map[string][]byte), err: errors.New("access denied")}
	s, err := newS3ParquetSink(api, "lake", "p", quietLogger())
	require.NoError(t, err)
	defer s.Close()

	batch := models.Batch{ID: 1, Worker: "w", LastPosition: 1, Records: []models.CanonicalRecord{fullRecord("O1", time.Now().UTC(), false)}}
	err = s.WriteBatch(context.Background(), batch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "p/worker=w/batch-0000000001.parquet")
}
