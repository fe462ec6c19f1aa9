package cookie

import (
	"bytes"
	"encoding/json"
)

// buildErrorJSON renders the {"error":{"context":...,"ref":...}} body
// spec.md §4.2 mandates for non-success responses once an error context
// has been set, merging any engine-supplied extras into the inner object.
func buildErrorJSON(context, ref string, extras map[string]interface{}) []byte {
	inner := map[string]interface{}{}
	for k, v := range extras {
		inner[k] = v
	}
	if context != "" {
		inner["context"] = context
	}
	if ref != "" {
		inner["ref"] = ref
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(map[string]interface{}{"error": inner})
	return bytes.TrimRight(buf.Bytes(), "\n")
}
