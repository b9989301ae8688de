// Package shortcode renders message templates containing {{key}} or {key}
// placeholders.
package shortcode

import "strings"

// Render substitutes every {{key}} and {key} placeholder found in template
// with vars[key]. Placeholders whose key is absent from vars are left as is
// so unresolved content stays visible. Substituted values are never
// re-scanned.
func Render(template string, vars map[string]string) string {
	if template == "" || !strings.Contains(template, "{") {
		return template
	}

	var b strings.Builder
	b.Grow(len(template))

	for i := 0; i < len(template); {
		if template[i] != '{' {
			b.WriteByte(template[i])
			i++
			continue
		}

		key, width, ok := placeholderAt(template, i)
		if !ok {
			b.WriteByte(template[i])
			i++
			continue
		}
		if value, found := vars[key]; found {
			b.WriteString(value)
		} else {
			b.WriteString(template[i : i+width])
		}
		i += width
	}
	return b.String()
}

// Placeholders lists the distinct keys referenced by template in order of
// first appearance.
func Placeholders(template string) []string {
	var (
		keys []string
		seen = map[string]struct{}{}
	)
	for i := 0; i < len(template); {
		key, width, ok := placeholderAt(template, i)
		if !ok {
			i++
			continue
		}
		if _, dup := seen[key]; !dup {
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
		i += width
	}
	return keys
}

// Unresolved returns the referenced keys that vars cannot satisfy.
func Unresolved(template string, vars map[string]string) []string {
	var missing []string
	for _, key := range Placeholders(template) {
		if _, ok := vars[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// placeholderAt parses a placeholder starting at s[i]. It prefers the double
// brace form, so "{{name}}" is one placeholder rather than "{" + "{name}" + "}".
func placeholderAt(s string, i int) (string, int, bool) {
	if i >= len(s) || s[i] != '{' {
		return "", 0, false
	}
	if i+1 < len(s) && s[i+1] == '{' {
		if key, n := scanKey(s, i+2); n > 0 && i+2+n+1 < len(s) && s[i+2+n] == '}' && s[i+2+n+1] == '}' {
			return key, n + 4, true
		}
	}
	if key, n := scanKey(s, i+1); n > 0 && i+1+n < len(s) && s[i+1+n] == '}' {
		return key, n + 2, true
	}
	return "", 0, false
}

func scanKey(s string, start int) (string, int) {
	end := start
	for end < len(s) && isKeyByte(s[end]) {
		end++
	}
	return s[start:end], end - start
}

func isKeyByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_', c == '.', c == '-':
		return true
	default:
		return false
	}
}
