package upload

import (
	"encoding/base64"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"mediacore/internal/models"
)

const (
	// MaxMetadataEntries caps the number of metadata pairs on one session.
	MaxMetadataEntries = 32
	// MaxMetadataBytes caps the encoded Upload-Metadata representation.
	MaxMetadataBytes = 4 << 10
)

// ParseMetadata decodes an Upload-Metadata header of the form
// "key base64value,key2 base64value2". A pair without a value maps to the
// empty string. Values are normalized to NFC.
func ParseMetadata(header string) (map[string]string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	if len(header) > MaxMetadataBytes {
		return nil, models.Validation("upload metadata exceeds %d bytes", MaxMetadataBytes)
	}
	pairs := strings.Split(header, ",")
	if len(pairs) > MaxMetadataEntries {
		return nil, models.Validation("upload metadata exceeds %d entries", MaxMetadataEntries)
	}
	metadata := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		fields := strings.Fields(pair)
		if len(fields) == 0 || len(fields) > 2 {
			return nil, models.Validation("malformed upload metadata pair %q", strings.TrimSpace(pair))
		}
		key := fields[0]
		if _, exists := metadata[key]; exists {
			return nil, models.Validation("duplicate upload metadata key %q", key)
		}
		value := ""
		if len(fields) == 2 {
			decoded, err := base64.StdEncoding.DecodeString(fields[1])
			if err != nil {
				return nil, models.Validation("upload metadata %q is not valid base64", key)
			}
			if !utf8.Valid(decoded) {
				return nil, models.Validation("upload metadata %q is not valid UTF-8", key)
			}
			value = norm.NFC.String(string(decoded))
		}
		metadata[key] = value
	}
	return metadata, nil
}

// EncodeMetadata renders metadata as an Upload-Metadata header with keys in
// lexical order.
func EncodeMetadata(metadata map[string]string) string {
	if len(metadata) == 0 {
		return ""
	}
	keys := make([]string, 0, len(metadata))
	for key := range metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, key := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(key)
		if value := metadata[key]; value != "" {
			b.WriteByte(' ')
			b.WriteString(base64.StdEncoding.EncodeToString([]byte(value)))
		}
	}
	return b.String()
}

// ValidateMetadata enforces the entry count, encoded size and key rules on
// metadata supplied at creation.
func ValidateMetadata(metadata map[string]string) error {
	if len(metadata) > MaxMetadataEntries {
		return models.Validation("upload metadata exceeds %d entries", MaxMetadataEntries)
	}
	for key, value := range metadata {
		if key == "" {
			return models.Validation("upload metadata keys must not be empty")
		}
		if strings.ContainsAny(key, " ,\t\r\n") {
			return models.Validation("upload metadata key %q must not contain spaces or commas", key)
		}
		if !utf8.ValidString(value) {
			return models.Validation("upload metadata %q is not valid UTF-8", key)
		}
	}
	if size := len(EncodeMetadata(metadata)); size > MaxMetadataBytes {
		return models.Validation("upload metadata encodes to %d bytes, limit is %d", size, MaxMetadataBytes)
	}
	return nil
}

func normalizeMetadata(metadata map[string]string) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	normalized := make(map[string]string, len(metadata))
	for key, value := range metadata {
		normalized[key] = norm.NFC.String(value)
	}
	return normalized
}
