package span

import (
	"encoding/json"
	"strings"
)

// EncodeMetadata serializes a metadata map for storage. Returns "" for an
// empty map or values JSON cannot represent.
func EncodeMetadata(metadata map[string]any) string {
	if len(metadata) == 0 {
		return ""
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return ""
	}
	return string(encoded)
}

// EncodePayload serializes an arbitrary input/output payload for storage.
// Payloads are stored as JSON so both drivers accept them; the engine never
// reads them back as anything but text.
func EncodePayload(payload any) string {
	if payload == nil {
		return ""
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(encoded)
}

// DecodeMetadataMap decodes a stored metadata string into a generic map.
// Returns nil for empty input or JSON parse errors.
func DecodeMetadataMap(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	decoded := make(map[string]any)
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil
	}
	return decoded
}

// MetadataString extracts a trimmed string value from a metadata map.
func MetadataString(metadata map[string]any, key string) string {
	if len(metadata) == 0 {
		return ""
	}
	value, ok := metadata[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}
