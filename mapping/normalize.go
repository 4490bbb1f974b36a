package mapping

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/solhealth/dhisfill/discovery"
)

// metadataKeys are input fields that describe the report rather than carry
// data values. They must never be matched against form fields: "month" would
// otherwise fuzzy-match a dozen date-ish remote keys.
var metadataKeys = map[string]bool{
	"province_name":        true,
	"health_facility_name": true,
	"month":                true,
	"year":                 true,
	"zone":                 true,
	"type":                 true,
}

var metadataPrefixes = []string{
	"completed_by_",
	"reviewed_by_",
}

// IsMetadata reports whether an input key is report metadata rather than a
// fillable value.
func IsMetadata(key string) bool {
	if metadataKeys[key] {
		return true
	}
	for _, p := range metadataPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// NormalizeValue renders an input value as the string the form expects.
// Booleans become "true"/"false" for radio targets and "1"/"0" for numeric
// entry fields; whole-valued floats lose their decimal point because DHIS2
// integer fields reject "3.0".
func NormalizeValue(v any, target discovery.FieldMapping) string {
	switch val := v.(type) {
	case nil:
		return ""
	case bool:
		return boolString(val, target)
	case string:
		if b, ok := boolShaped(val); ok {
			return boolString(b, target)
		}
		return strings.TrimSpace(val)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}

func boolString(b bool, target discovery.FieldMapping) string {
	if target.Kind == discovery.KindRadio {
		if b {
			return "true"
		}
		return "false"
	}
	if b {
		return "1"
	}
	return "0"
}

// boolShaped recognises the boolean spellings that appear in extracted
// report data.
func boolShaped(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "y":
		return true, true
	case "false", "no", "n":
		return false, true
	}
	return false, false
}
