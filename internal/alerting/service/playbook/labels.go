package playbook

import (
	"sort"
	"strings"
)

// LabelMap is a normalized set of label key-value pairs.
type LabelMap map[string]string

// NormalizeLabels returns a new LabelMap with keys lowercased and trimmed, aliases applied,
// values trimmed and empty values removed. It does not mutate the input map.
// aliasMap maps alternative keys to canonical keys, e.g., "service_version" -> "version".
// A key present under its canonical name wins over any alias of it.
func NormalizeLabels(in map[string]string, aliasMap map[string]string) LabelMap {
	if len(in) == 0 {
		return LabelMap{}
	}
	type aliasHit struct{ alias, val string }
	result := make(LabelMap, len(in))
	aliased := map[string]aliasHit{}
	for rawKey, rawVal := range in {
		key := strings.ToLower(strings.TrimSpace(rawKey))
		val := strings.TrimSpace(rawVal)
		if key == "" || val == "" {
			continue
		}
		if canonical, ok := aliasMap[key]; ok && strings.TrimSpace(canonical) != "" {
			canonical = strings.ToLower(strings.TrimSpace(canonical))
			// several aliases of one key: the smallest alias name wins
			if prev, seen := aliased[canonical]; !seen || key < prev.alias {
				aliased[canonical] = aliasHit{alias: key, val: val}
			}
			continue
		}
		result[key] = val
	}
	for canonical, hit := range aliased {
		if _, ok := result[canonical]; !ok {
			result[canonical] = hit.val
		}
	}
	return result
}

// CanonicalLabelKey returns a stable string form of labels, sorted by key and
// joined as key=value pairs separated by '|'.
func CanonicalLabelKey(labels LabelMap) string {
	if len(labels) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.Grow(len(keys) * 8)
	for i := 0; i < len(keys); i++ {
		if i > 0 {
			b.WriteByte('|')
		}
		k := keys[i]
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}
