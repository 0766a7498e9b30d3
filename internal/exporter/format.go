package exporter

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Format is an export file format
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts a format name. An empty name is inferred from the
// extension of out, defaulting to CSV.
func ParseFormat(name, out string) (Format, error) {
	if name == "" {
		name = strings.TrimPrefix(strings.ToLower(filepath.Ext(out)), ".")
		if name == "" {
			return FormatCSV, nil
		}
	}
	switch f := Format(strings.ToLower(name)); f {
	case FormatCSV, FormatXLSX:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", name)
	}
}

// Ext returns the file extension including the dot
func (f Format) Ext() string {
	return "." + string(f)
}

// formatFloat keeps full precision without exponent notation
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// formatInt formats an int64 value for CSV output
func formatInt(i int64) string {
	return strconv.FormatInt(i, 10)
}

// formatBool formats a boolean value for CSV output
func formatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// formatValue renders one cell. NULL is the empty string and timestamps are
// RFC 3339 in UTC.
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return formatInt(x)
	case int:
		return formatInt(int64(x))
	case int32:
		return formatInt(int64(x))
	case float64:
		return formatFloat(x)
	case float32:
		return formatFloat(float64(x))
	case bool:
		return formatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
