package utils

// DeepMerge applies patch onto dst and returns dst.  Nested maps merge
// recursively; scalars and arrays replace.  A nil value in the patch
// overwrites (it does not delete), matching last-writer-wins per field.
func DeepMerge(dst, patch map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(patch))
	}
	for k, pv := range patch {
		if pm, ok := pv.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				dst[k] = DeepMerge(dm, pm)
				continue
			}
		}
		dst[k] = pv
	}
	return dst
}
