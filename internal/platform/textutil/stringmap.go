package textutil

import "strings"

const (
	maxMetadataKeyLength   = 40
	maxMetadataValueLength = 500
)

// NormalizeStringMap trims keys and values and drops entries whose key or value is empty. Keys
// longer than 40 and values longer than 500 bytes are truncated, matching payment provider limits.
func NormalizeStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		trimmedKey := truncate(strings.TrimSpace(key), maxMetadataKeyLength)
		trimmedValue := truncate(strings.TrimSpace(value), maxMetadataValueLength)
		if trimmedKey == "" || trimmedValue == "" {
			continue
		}
		result[trimmedKey] = trimmedValue
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
