// Package codec converts flat string maps to and from JSON object text.
package codec

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// Encode renders m as a JSON object with keys in sorted order. A nil map
// encodes as "{}".
func Encode(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	out, err := json.Marshal(m)
	if err != nil {
		log.Error().Err(err).Msg("codec.Encode failed")
		return "{}"
	}
	return string(out)
}

// Decode reads a JSON object of flat members. It never fails: members are
// read in order until the text is damaged or a member holds an object, array
// or null, and everything read before that point is returned. Number and
// boolean members are kept in their JSON text form.
func Decode(text string) map[string]string {
	out := make(map[string]string)
	root := gjson.Parse(text)
	if !root.IsObject() {
		log.Warn().Str("type", root.Type.String()).Int("len", len(text)).Msg("codec.Decode expected object")
		return out
	}
	root.ForEach(func(key, value gjson.Result) bool {
		switch value.Type {
		case gjson.String, gjson.Number, gjson.True, gjson.False:
			out[key.String()] = value.String()
			return true
		default:
			log.Warn().
				Str("key", key.String()).
				Str("type", value.Type.String()).
				Int("decoded", len(out)).
				Msg("codec.Decode unsupported member")
			return false
		}
	})
	if !gjson.Valid(text) {
		log.Warn().Int("len", len(text)).Int("decoded", len(out)).Msg("codec.Decode malformed json, kept partial map")
	}
	return out
}
