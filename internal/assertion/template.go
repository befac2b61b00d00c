package assertion

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// renderMessage expands a "{{ var | filter(arg) }}" mini template. Supported
// filters: round, upper, lower, default. Any render problem yields "" so the
// caller falls back to a generic message; template failures must never abort
// evaluation.
func renderMessage(template string, vars map[string]any) string {
	template = strings.TrimSpace(template)
	if template == "" {
		return ""
	}

	var out strings.Builder
	rest := template
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			out.WriteString(rest)
			break
		}
		closing := strings.Index(rest[open:], "}}")
		if closing < 0 {
			return ""
		}
		out.WriteString(rest[:open])
		expr := rest[open+2 : open+closing]
		rendered, ok := renderExpr(expr, vars)
		if !ok {
			return ""
		}
		out.WriteString(rendered)
		rest = rest[open+closing+2:]
	}
	return out.String()
}

func renderExpr(expr string, vars map[string]any) (string, bool) {
	parts := strings.Split(expr, "|")
	name := strings.TrimSpace(parts[0])
	if name == "" {
		return "", false
	}

	value, ok := vars[name]
	if !ok {
		value, ok = ResolvePath(vars, name)
		if !ok {
			value = nil
		}
	}

	for _, raw := range parts[1:] {
		filtered, err := applyFilter(strings.TrimSpace(raw), value)
		if err != nil {
			return "", false
		}
		value = filtered
	}
	return stringify(value), true
}

func applyFilter(filter string, value any) (any, error) {
	name := filter
	arg := ""
	if open := strings.Index(filter, "("); open >= 0 {
		if !strings.HasSuffix(filter, ")") {
			return nil, fmt.Errorf("malformed filter %q", filter)
		}
		name = strings.TrimSpace(filter[:open])
		arg = strings.TrimSpace(filter[open+1 : len(filter)-1])
		arg = strings.Trim(arg, `"'`)
	}

	switch strings.ToLower(name) {
	case "round":
		f, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("round: value is not numeric")
		}
		digits := 0
		if arg != "" {
			parsed, err := strconv.Atoi(arg)
			if err != nil {
				return nil, fmt.Errorf("round: %w", err)
			}
			digits = parsed
		}
		shift := math.Pow(10, float64(digits))
		return strconv.FormatFloat(math.Round(f*shift)/shift, 'f', -1, 64), nil
	case "upper":
		return strings.ToUpper(stringify(value)), nil
	case "lower":
		return strings.ToLower(stringify(value)), nil
	case "default":
		if value == nil || stringify(value) == "" {
			return arg, nil
		}
		return value, nil
	default:
		return nil, fmt.Errorf("unknown filter %q", name)
	}
}
