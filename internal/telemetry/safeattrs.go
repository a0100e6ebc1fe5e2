package telemetry

import (
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// attrPrefix is the only namespace exported on spans.
const attrPrefix = "triage."

// Fragments that mark a key as carrying patient data or credentials.
var denyKeys = []string{
	"prompt", "content", "transcript", "utterance",
	"patient", "subject", "contact", "phone", "location",
	"authorization", "api_key", "token", "secret",
}

const maxStringAttr = 256

// SafeAttributes keeps triage.* keys that carry no patient data and converts
// their values to OTEL attributes. Output is sorted by key.
func SafeAttributes(values map[string]interface{}) []attribute.KeyValue {
	if len(values) == 0 {
		return nil
	}
	var attrs []attribute.KeyValue
	for k, v := range values {
		if !allowedKey(k) {
			continue
		}
		switch val := v.(type) {
		case string:
			if len(val) > maxStringAttr {
				continue
			}
			attrs = append(attrs, attribute.String(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case time.Duration:
			attrs = append(attrs, attribute.Float64(k+"_ms", float64(val)/float64(time.Millisecond)))
		case []string:
			attrs = append(attrs, attribute.StringSlice(k, truncateStrings(val, 16)))
		}
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Key < attrs[j].Key })
	return attrs
}

func allowedKey(k string) bool {
	lk := strings.ToLower(k)
	if !strings.HasPrefix(lk, attrPrefix) {
		return false
	}
	for _, bad := range denyKeys {
		if strings.Contains(lk, bad) {
			return false
		}
	}
	return true
}

func truncateStrings(in []string, limit int) []string {
	if len(in) <= limit {
		return in
	}
	return in[:limit]
}
