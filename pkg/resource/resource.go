// Package resource defines the asset envelope emitted by Asset Producers.
package resource

import (
	"encoding/json"
	"strings"
	"time"
	"unicode"
)

// Envelope is one discovered cloud resource as handed over by a producer.
// The asset store ingests envelopes into one queryable table per resource type.
type Envelope struct {
	ResourceType               string          `json:"resourceType" validate:"required"`     // e.g. "AWS::S3::Bucket" or "aws_s3_bucket"
	ResourceID                 string          `json:"resourceId" validate:"required"`       // provider identifier
	ARN                        string          `json:"arn,omitempty"`                        // ARN or fully-qualified name
	Name                       string          `json:"name,omitempty"`                       // human-readable name
	AccountID                  string          `json:"accountId,omitempty"`                  // account or project ID
	Region                     string          `json:"region,omitempty"`                     // region / location
	Configuration              json.RawMessage `json:"configuration,omitempty"`              // describe-call payload
	SupplementaryConfiguration json.RawMessage `json:"supplementaryConfiguration,omitempty"` // extra lookups (policies, ACLs)
	Tags                       json.RawMessage `json:"tags,omitempty"`                       // provider tags/labels
	CapturedAt                 time.Time       `json:"capturedAt,omitempty"`
}

// Table returns the snapshot table this envelope belongs to.
func (e Envelope) Table() string {
	return NormalizeType(e.ResourceType)
}

// AssetID returns the identifier violations are reported against.
// ARN wins over the raw resource ID because it is globally unique.
func (e Envelope) AssetID() string {
	if e.ARN != "" {
		return e.ARN
	}
	return e.ResourceID
}

// TableName builds a table name from provider, service and resource kind,
// e.g. TableName("aws", "s3", "bucket") == "aws_s3_bucket".
func TableName(provider, service, kind string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{provider, service, kind} {
		if n := normalizePart(p); n != "" {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, "_")
}

// NormalizeType maps provider type notations onto the table naming convention.
// "AWS::S3::Bucket", "aws.s3.bucket", "storage.googleapis.com/Bucket" and
// "aws_s3_bucket" all collapse to lowercase, underscore separated names.
func NormalizeType(resourceType string) string {
	fields := strings.FieldsFunc(resourceType, func(r rune) bool {
		return r == ':' || r == '.' || r == '/' || r == '-' || r == '_' || unicode.IsSpace(r)
	})
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if n := normalizePart(f); n != "" {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, "_")
}

func normalizePart(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '_' || r == '-' || r == '.' || r == ':':
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

// ProduceResult holds the outcome of one producer run.
type ProduceResult struct {
	Producer  string
	Envelopes []Envelope
	Duration  time.Duration
	Error     error
}
