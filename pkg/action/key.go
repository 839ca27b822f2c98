package action

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/sjson"
)

// dedupKeyPrefix is the stable, persistable prefix callers may rely on.
const dedupKeyPrefix = "action-exec:"

// DeduplicationKey computes the stable SHA-256 content hash over
// (actionDefinitionId, canonical(inputs), sorted(dependencies)) that
// identifies a PlannedAction for deduplication purposes. Two PlannedActions
// with the same tuple always produce the same key, across calls and
// processes.
func DeduplicationKey(actionDefinitionID string, inputs map[string]interface{}, dependencies []string) (string, error) {
	canonicalInputs, err := canonicalize(inputs)
	if err != nil {
		return "", fmt.Errorf("canonicalize inputs: %w", err)
	}

	sortedDeps := append([]string(nil), dependencies...)
	sort.Strings(sortedDeps)

	payload := "{}"
	payload, err = sjson.Set(payload, "actionDefinitionId", actionDefinitionID)
	if err != nil {
		return "", err
	}
	payload, err = sjson.SetRaw(payload, "inputs", canonicalInputs)
	if err != nil {
		return "", err
	}
	payload, err = sjson.Set(payload, "dependencies", sortedDeps)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(payload))
	return dedupKeyPrefix + hex.EncodeToString(sum[:]), nil
}

// canonicalize re-encodes a value as JSON with object keys in sorted order
// at every nesting level, so two semantically-identical maps with
// differently-ordered keys produce byte-identical output. sjson builds the
// document key-by-key in sorted order rather than relying on
// encoding/json's incidental map ordering.
func canonicalize(v interface{}) (string, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		doc := "{}"
		for _, k := range keys {
			child, err := canonicalize(val[k])
			if err != nil {
				return "", err
			}
			var err2 error
			doc, err2 = sjson.SetRaw(doc, jsonPathEscape(k), child)
			if err2 != nil {
				return "", err2
			}
		}
		return doc, nil
	case []interface{}:
		doc := "[]"
		for i, item := range val {
			child, err := canonicalize(item)
			if err != nil {
				return "", err
			}
			var err2 error
			doc, err2 = sjson.SetRaw(doc, fmt.Sprintf("%d", i), child)
			if err2 != nil {
				return "", err2
			}
		}
		return doc, nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// jsonPathEscape returns a single path segment for sjson, backslash-escaping
// the characters sjson treats specially in path syntax (. * ? # | @) and
// any backslash already in the key.
func jsonPathEscape(key string) string {
	special := false
	for _, r := range key {
		if r == '.' || r == '*' || r == '?' || r == '#' || r == '|' || r == '@' {
			special = true
			break
		}
	}
	if !special {
		return key
	}
	escaped := make([]rune, 0, len(key)*2)
	for _, r := range key {
		if r == '.' || r == '*' || r == '?' || r == '#' || r == '|' || r == '@' || r == '\\' {
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, r)
	}
	return string(escaped)
}
