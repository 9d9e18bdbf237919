package producer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/pkg/resource"
)

// mockProducer implements Producer for testing.
type mockProducer struct {
	name      string
	envelopes []resource.Envelope
	err       error
}

func (m *mockProducer) Name() string {
	return m.name
}

func (m *mockProducer) Produce(_ context.Context) ([]resource.Envelope, error) {
	return m.envelopes, m.err
}

func TestRegister(t *testing.T) {
	Clear()
	defer Clear()

	Register(&mockProducer{name: "test"})

	got, ok := Get("test")
	require.True(t, ok)
	assert.Equal(t, "test", got.Name())

	_, ok = Get("nonexistent")
	assert.False(t, ok)
}

func TestAllAndNames(t *testing.T) {
	Clear()
	defer Clear()

	assert.Empty(t, All())

	Register(&mockProducer{name: "gcp"})
	Register(&mockProducer{name: "aws"})

	assert.Equal(t, []string{"aws", "gcp"}, Names())
	all := All()
	require.Len(t, all, 2)
	assert.Equal(t, "aws", all[0].Name())
}

func TestRegister_Overwrites(t *testing.T) {
	Clear()
	defer Clear()

	Register(&mockProducer{name: "aws", envelopes: []resource.Envelope{{ResourceID: "1"}}})
	Register(&mockProducer{name: "aws", envelopes: []resource.Envelope{{ResourceID: "2"}}})

	got, _ := Get("aws")
	envs, _ := got.Produce(context.Background())
	assert.Equal(t, "2", envs[0].ResourceID)
}

func TestRunAll(t *testing.T) {
	results := RunAll(context.Background(), []Producer{
		&mockProducer{name: "ok", envelopes: []resource.Envelope{{ResourceType: "aws_s3_bucket", ResourceID: "a"}}},
		&mockProducer{name: "broken", err: errors.New("access denied")},
	})

	require.Len(t, results, 2)
	assert.Equal(t, "ok", results[0].Producer)
	assert.Len(t, results[0].Envelopes, 1)
	assert.NoError(t, results[0].Error)
	assert.Equal(t, "broken", results[1].Producer)
	assert.EqualError(t, results[1].Error, "access denied")
}

func TestFileProducer_Directory(t *testing.T) {
	p := NewFileProducer("testdata/inventory")
	assert.Equal(t, "file", p.Name())

	envs, err := p.Produce(context.Background())
	require.NoError(t, err)
	require.Len(t, envs, 4)

	byTable := make(map[string]int)
	for _, e := range envs {
		byTable[e.Table()]++
	}
	assert.Equal(t, map[string]int{"aws_s3_bucket": 2, "aws_ec2_instance": 2}, byTable)
}

func TestFileProducer_SingleFile(t *testing.T) {
	envs, err := NewFileProducer(filepath.Join("testdata", "inventory", "s3.json")).Produce(context.Background())
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, "arn:aws:s3:::www", envs[0].AssetID())
	assert.JSONEq(t, `{"acl": "public-read", "is_public": true}`, string(envs[0].Configuration))
}

func TestFileProducer_MissingPath(t *testing.T) {
	_, err := NewFileProducer(filepath.Join(t.TempDir(), "absent")).Produce(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFileProducer_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewFileProducer("testdata/inventory").Produce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecodeEnvelopes(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr string
	}{
		{"empty", "", 0, ""},
		{"whitespace", " \n\t", 0, ""},
		{"array", `[{"resourceType":"t","resourceId":"a"},{"resourceType":"t","resourceId":"b"}]`, 2, ""},
		{"stream", "\n{\"resourceType\":\"t\",\"resourceId\":\"a\"}\n{\"resourceType\":\"t\",\"resourceId\":\"b\"}\n", 2, ""},
		{"missing resource id", `[{"resourceType":"t"}]`, 0, "envelope 1"},
		{"bad line", "{\"resourceType\":\"t\",\"resourceId\":\"a\"}\n{oops", 0, "envelope 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envs, err := DecodeEnvelopes(strings.NewReader(tt.input))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, envs, tt.want)
		})
	}
}
