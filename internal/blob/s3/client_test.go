package s3blob

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/infusion/internal/domain"
)

func TestWithScheme(t *testing.T) {
	assert.Equal(t, "https://minio.local:9000", withScheme("https://minio.local:9000", false))
	assert.Equal(t, "https://e2.example.com", withScheme("e2.example.com", true))
	assert.Equal(t, "http://localhost:9000", withScheme("localhost:9000", false))
}

type statusErr int

func (s statusErr) Error() string       { return fmt.Sprintf("status %d", int(s)) }
func (s statusErr) HTTPStatusCode() int { return int(s) }

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(fmt.Errorf("wrapped: %w", &types.NoSuchKey{})))
	assert.True(t, isNotFound(&types.NotFound{}))
	assert.True(t, isNotFound(fmt.Errorf("op: %w", statusErr(404))))
	assert.False(t, isNotFound(statusErr(403)))
	assert.False(t, isNotFound(errors.New("boom")))
}

func TestNewRequiresBucketAndRegion(t *testing.T) {
	_, err := New(context.Background(), ClientConfig{Region: "us-east-1"})
	require.Error(t, err)
	_, err = New(context.Background(), ClientConfig{Bucket: "snapshots"})
	require.Error(t, err)
}

func TestPutInput(t *testing.T) {
	in := putInput("snapshots", "snapshots/a.json", nil, domain.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"digest": "0xabc"},
	})
	assert.Equal(t, "snapshots", aws.ToString(in.Bucket))
	assert.Equal(t, "snapshots/a.json", aws.ToString(in.Key))
	assert.Equal(t, "application/json", aws.ToString(in.ContentType))
	assert.Equal(t, "0xabc", in.Metadata["digest"])

	in = putInput("snapshots", "k", nil, domain.PutOptions{})
	assert.Nil(t, in.ContentType)
}
