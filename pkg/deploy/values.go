package deploy

import (
	"fmt"
	"sort"
	"strconv"
)

// FlattenValues turns a nested mapping into sorted "a.b.c=value" assignments
// suitable for the chart tool's --set flag.
func FlattenValues(values map[string]any) []string {
	var out []string
	flattenInto("", values, &out)
	sort.Strings(out)
	return out
}

func flattenInto(prefix string, values map[string]any, out *[]string) {
	for k, v := range values {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenInto(key, nested, out)
			continue
		}
		*out = append(*out, key+"="+formatValue(v))
	}
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// checkValues reports entries that cannot be expressed as --set assignments
func checkValues(prefix string, values map[string]any) []string {
	var problems []string
	for k, v := range values {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if k == "" {
			problems = append(problems, fmt.Sprintf("empty key under %q", prefix))
			continue
		}
		switch x := v.(type) {
		case nil, string, bool, int, int64, float64:
		case map[string]any:
			problems = append(problems, checkValues(key, x)...)
		default:
			problems = append(problems, fmt.Sprintf("value of %q has unsupported type %T", key, v))
		}
	}
	sort.Strings(problems)
	return problems
}
