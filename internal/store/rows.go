package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yairfalse/vahti/pkg/resource"
)

// Envelope columns. Top-level configuration keys are promoted next to these
// unless they would shadow one.
const (
	ColumnResourceID    = "resource_id"
	ColumnResourceType  = "resource_type"
	ColumnARN           = "arn"
	ColumnName          = "name"
	ColumnAccountID     = "account_id"
	ColumnRegion        = "region"
	ColumnCapturedAt    = "captured_at"
	ColumnConfiguration = "configuration"
	ColumnSupplementary = "supplementary_configuration"
	ColumnTags          = "tags"
)

// EnvelopeRow flattens an envelope into the row predicates see.
func EnvelopeRow(e resource.Envelope) (Row, error) {
	row := Row{
		ColumnResourceID:   e.ResourceID,
		ColumnResourceType: e.Table(),
		ColumnARN:          e.ARN,
		ColumnName:         e.Name,
		ColumnAccountID:    e.AccountID,
		ColumnRegion:       e.Region,
	}
	if !e.CapturedAt.IsZero() {
		row[ColumnCapturedAt] = e.CapturedAt.UTC().Format(time.RFC3339)
	}

	cfg, err := decodeDocument(e.Configuration)
	if err != nil {
		return nil, fmt.Errorf("decode configuration of %s: %w", e.ResourceID, err)
	}
	if obj, ok := cfg.(map[string]any); ok {
		for k, v := range obj {
			if _, taken := row[k]; !taken {
				row[k] = v
			}
		}
	}
	row[ColumnConfiguration] = cfg

	supp, err := decodeDocument(e.SupplementaryConfiguration)
	if err != nil {
		return nil, fmt.Errorf("decode supplementary configuration of %s: %w", e.ResourceID, err)
	}
	row[ColumnSupplementary] = supp

	tags, err := decodeDocument(e.Tags)
	if err != nil {
		return nil, fmt.Errorf("decode tags of %s: %w", e.ResourceID, err)
	}
	row[ColumnTags] = normalizeTags(tags)

	return row, nil
}

func decodeDocument(raw json.RawMessage) (any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// normalizeTags turns AWS style [{"Key": k, "Value": v}] lists into a map.
func normalizeTags(tags any) any {
	list, ok := tags.([]any)
	if !ok {
		return tags
	}
	out := make(map[string]any, len(list))
	for _, item := range list {
		pair, ok := item.(map[string]any)
		if !ok {
			return tags
		}
		k, kok := Row(pair).Get("key")
		key, sok := k.(string)
		if !kok || !sok {
			return tags
		}
		v, _ := Row(pair).Get("value")
		out[key] = v
	}
	return out
}
