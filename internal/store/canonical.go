package store

import (
	"bytes"
	"encoding/json"
	"sort"
)

// canonicalize produces deterministic bytes for a JSON-like value by
// recursively sorting map keys before marshaling, so the same logical state
// always hashes to the same checksum (spec §4.9, §8 property 5). No pack
// repo carries a canonical-JSON library for this; encoding/json plus a
// sort is the entire implementation (see DESIGN.md).
func canonicalize(v map[string]any) ([]byte, error) {
	normalized := normalize(v)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// normalize walks arbitrary decoded-JSON values and returns an
// order-stable representation: maps become sorted key/value slices encoded
// back through orderedMap so repeated encodes are byte-identical.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		om := orderedMap{}
		for _, k := range keys {
			om = append(om, kv{Key: k, Value: normalize(val[k])})
		}
		return om
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return val
	}
}

type kv struct {
	Key   string
	Value any
}

// orderedMap marshals as a JSON object preserving insertion order, unlike
// map[string]any which Go's encoding/json already sorts alphabetically —
// kept explicit here so the ordering is documented, not incidental.
type orderedMap []kv

func (om orderedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, pair := range om {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(pair.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := json.Marshal(pair.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
