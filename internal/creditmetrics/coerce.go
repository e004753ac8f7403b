package creditmetrics

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

func objectAt(m map[string]any, key string) (map[string]any, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T, want object", ErrMalformedReport, key, v)
	}
	return obj, nil
}

// arrayAt treats a missing key as an empty list; bureaus omit empty sections.
func arrayAt(m map[string]any, key string) ([]any, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T, want array", ErrMalformedReport, key, v)
	}
	return arr, nil
}

func asObject(v any, what string) (map[string]any, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s entry is %T, want object", ErrMalformedReport, what, v)
	}
	return obj, nil
}

// toFloat coerces JSON numbers and numeric strings. Blank or non-numeric
// strings count as zero; other types are structural errors.
func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return n, nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, nil
		}
		return f, nil
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(n), ",", "")
		if s == "" {
			return 0, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, nil
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: numeric field is %T", ErrMalformedReport, v)
	}
}

func toInt(v any) (int, error) {
	f, err := toFloat(v)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

func toString(v any) (string, error) {
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(s), nil
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), nil
	case json.Number:
		return s.String(), nil
	default:
		return "", fmt.Errorf("%w: text field is %T", ErrMalformedReport, v)
	}
}

// accountTypeCode normalizes "1", 1 and "01" to "01".
func accountTypeCode(v any) (string, error) {
	s, err := toString(v)
	if err != nil {
		return "", err
	}
	if n, convErr := strconv.Atoi(s); convErr == nil && n >= 0 && n < 10 {
		return fmt.Sprintf("%02d", n), nil
	}
	return s, nil
}

var dateLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02-01-2006",
	"02/01/2006",
	"02012006",
}

// parseDate drops any timezone suffix and reads the wall time as UTC.
func parseDate(v any) (time.Time, error) {
	s, err := toString(v)
	if err != nil {
		return time.Time{}, err
	}
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty date", ErrMalformedReport)
	}
	s = stripZone(s)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable date %q", ErrMalformedReport, s)
}

func stripZone(s string) string {
	s = strings.TrimSuffix(s, "Z")
	t := strings.IndexAny(s, "T ")
	if t < 0 {
		return s
	}
	if i := strings.LastIndexAny(s, "+-"); i > t {
		return s[:i]
	}
	return s
}

func normalizeStatus(v any) (string, error) {
	s, err := toString(v)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(s), nil
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
