package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Generate creates a deterministic fingerprint for normalized record data.
// The fingerprint is a SHA256 hash of the canonicalized JSON, so key order
// and whitespace in the input never affect the result.
func Generate(data map[string]any) string {
	return GenerateWithExclusions(data, nil)
}

// GenerateWithExclusions creates a fingerprint excluding volatile fields.
// The excludeFields set contains dot-notation paths (e.g. "fetched_at",
// "provenance.retrieved_at"). Excluding a parent path excludes everything under it.
func GenerateWithExclusions(data map[string]any, excludeFields map[string]bool) string {
	var sb strings.Builder
	writeCanonical(&sb, data, excludeFields, "")
	hash := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(hash[:])
}

// GenerateFromJSON creates a fingerprint from raw JSON
func GenerateFromJSON(data json.RawMessage) (string, error) {
	return GenerateFromJSONWithExclusions(data, nil)
}

// GenerateFromJSONWithExclusions creates a fingerprint from raw JSON, excluding volatile fields
func GenerateFromJSONWithExclusions(data json.RawMessage, excludeFields map[string]bool) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return "", err
	}
	return GenerateWithExclusions(m, excludeFields), nil
}

func writeCanonical(sb *strings.Builder, data any, excludeFields map[string]bool, currentPath string) {
	switch v := data.(type) {
	case map[string]any:
		writeCanonicalMap(sb, v, excludeFields, currentPath)
	case []any:
		sb.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				sb.WriteByte(',')
			}
			// array elements share the path of the array itself
			writeCanonical(sb, item, excludeFields, currentPath)
		}
		sb.WriteByte(']')
	default:
		b, _ := json.Marshal(v)
		sb.Write(b)
	}
}

func writeCanonicalMap(sb *strings.Builder, m map[string]any, excludeFields map[string]bool, currentPath string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sb.WriteByte('{')
	first := true
	for _, k := range keys {
		fieldPath := k
		if currentPath != "" {
			fieldPath = currentPath + "." + k
		}
		if isExcluded(fieldPath, excludeFields) {
			continue
		}
		if !first {
			sb.WriteByte(',')
		}
		first = false
		keyJSON, _ := json.Marshal(k)
		sb.Write(keyJSON)
		sb.WriteByte(':')
		writeCanonical(sb, m[k], excludeFields, fieldPath)
	}
	sb.WriteByte('}')
}

func isExcluded(fieldPath string, excludeFields map[string]bool) bool {
	if excludeFields == nil {
		return false
	}
	if excludeFields[fieldPath] {
		return true
	}
	for excluded := range excludeFields {
		if strings.HasPrefix(fieldPath, excluded+".") {
			return true
		}
	}
	return false
}

// HasChanged compares two fingerprints to detect changes
func HasChanged(oldFingerprint, newFingerprint string) bool {
	return oldFingerprint != newFingerprint
}
