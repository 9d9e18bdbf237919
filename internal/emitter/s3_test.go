package emitter

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockS3 struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (m *mockS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.inputs = append(m.inputs, params)
	m.bodies = append(m.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Emitter_Emit(t *testing.T) {
	client := &mockS3{}
	e := NewS3EmitterWithClient(client, S3Config{Bucket: "audit", Prefix: "/vahti/reports/"})

	require.NoError(t, e.Emit(context.Background(), testReport("scan-1", "arn:1")))
	require.NoError(t, e.Close())

	require.Len(t, client.inputs, 1)
	in := client.inputs[0]
	assert.Equal(t, "audit", aws.ToString(in.Bucket))
	assert.Equal(t, "vahti/reports/scan-1.json", aws.ToString(in.Key))
	assert.Equal(t, "application/json", aws.ToString(in.ContentType))
	assert.Equal(t, "2", in.Metadata["violations"])
	assert.Contains(t, string(client.bodies[0]), `"scanId": "scan-1"`)
}

func TestS3Emitter_NoPrefix(t *testing.T) {
	e := NewS3EmitterWithClient(&mockS3{}, S3Config{Bucket: "audit"})
	assert.Equal(t, "scan-9.json", e.Key(testReport("scan-9")))
}

func TestS3Emitter_UploadError(t *testing.T) {
	e := NewS3EmitterWithClient(&mockS3{err: errors.New("access denied")}, S3Config{Bucket: "audit", Prefix: "r"})

	err := e.Emit(context.Background(), testReport("scan-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://audit/r/scan-1.json")
	assert.Contains(t, err.Error(), "access denied")
}

func TestNewS3Emitter_RequiresBucket(t *testing.T) {
	_, err := NewS3Emitter(context.Background(), S3Config{})
	assert.Error(t, err)
}
