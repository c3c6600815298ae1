package tools

// MergeArgs overlays deployment config onto model-supplied arguments
// without clobbering: a config value only fills a key the model left
// unset or empty, and empty config values never overwrite anything.
// The inputs are not modified.
func MergeArgs(model, config map[string]any) map[string]any {
	merged := make(map[string]any, len(model)+len(config))
	for k, v := range model {
		merged[k] = v
	}

	for k, cv := range config {
		if isEmptyValue(cv) {
			continue
		}
		if mv, ok := merged[k]; ok && !isEmptyValue(mv) {
			continue
		}
		merged[k] = cv
	}

	return merged
}

// isEmptyValue reports whether v carries no usable content: nil, empty
// string, zero-length slice or map. Zero numbers and false are NOT empty;
// the model may legitimately pass 0 or false.
func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}
