package emailtask

import "regexp"

var placeholder = regexp.MustCompile(`\{([A-Za-z0-9_.\-]+)\}`)

// Render replaces every {key} in s with values[key]. Unknown keys are left as written.
func Render(s string, values map[string]string) string {
	if len(values) == 0 {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		if v, ok := values[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}
