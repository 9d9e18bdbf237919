package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeType(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"AWS::S3::Bucket", "aws_s3_bucket"},
		{"aws_s3_bucket", "aws_s3_bucket"},
		{"aws.ec2.security-group", "aws_ec2_security_group"},
		{"storage.googleapis.com/Bucket", "storage_googleapis_com_bucket"},
		{"  ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeType(tt.in))
		})
	}
}

func TestTableName(t *testing.T) {
	assert.Equal(t, "aws_s3_bucket", TableName("AWS", "S3", "Bucket"))
	assert.Equal(t, "gcp_compute_instance", TableName("gcp", "compute", "instance"))
	assert.Equal(t, "aws_iam", TableName("aws", "iam", ""))
}

func TestEnvelope_AssetID(t *testing.T) {
	assert.Equal(t, "arn:aws:s3:::logs", Envelope{ResourceID: "logs", ARN: "arn:aws:s3:::logs"}.AssetID())
	assert.Equal(t, "logs", Envelope{ResourceID: "logs"}.AssetID())
}
