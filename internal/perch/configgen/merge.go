package configgen

import (
	"encoding/json"
	"fmt"

	"github.com/perch-run/perch/common/redact"
)

// Merge deep-merges delta into existing and returns the result. Maps merge
// key by key, recursively; scalars and arrays in delta overwrite. Keys absent
// from delta survive untouched, which is what keeps channel policy fields and
// anything the container's first-boot onboarding wrote from being discarded.
//
// Neither input map is mutated.
func Merge(existing, delta map[string]any) map[string]any {
	out := make(map[string]any, len(existing)+len(delta))
	for k, v := range existing {
		out[k] = v
	}
	for k, dv := range delta {
		if dm, ok := dv.(map[string]any); ok {
			if em, ok := out[k].(map[string]any); ok {
				out[k] = Merge(em, dm)
				continue
			}
		}
		out[k] = dv
	}
	return out
}

// ParseExisting decodes a configuration document read from the container.
// Empty input yields an empty document rather than an error: a runtime that
// has not finished first boot simply has nothing to preserve yet.
func ParseExisting(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("configgen: parse existing document: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// EncodeDocument serializes a merged document for writing into the container.
func EncodeDocument(doc map[string]any) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("configgen: encode document: %w", err)
	}
	return append(data, '\n'), nil
}

// SnapshotJSON renders the user-facing configuration snapshot persisted on
// the instance record. Secret-bearing fields (API keys, bot tokens) are
// blanked; the snapshot records what the user chose, never credential
// material.
func SnapshotJSON(choices Choices) (string, error) {
	raw, err := json.Marshal(choices)
	if err != nil {
		return "", fmt.Errorf("configgen: marshal choices: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", fmt.Errorf("configgen: rebuild choices: %w", err)
	}
	out, err := json.Marshal(redact.Map(m))
	if err != nil {
		return "", fmt.Errorf("configgen: marshal snapshot: %w", err)
	}
	return string(out), nil
}
