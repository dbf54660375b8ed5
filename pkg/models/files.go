package models

// FileIdentity is the structural marker a map value must carry to be
// recognized as a file reference in node outputs.
const FileIdentity = "loom_file_identity"

// FileIdentityKey is the map key holding the marker.
const FileIdentityKey = "__identity__"

// ExtractFiles scans node output values for file-typed entries, flattening
// lists and single maps into one file list. Values are recognized by the
// FileIdentity marker, not by schema.
func ExtractFiles(outputs map[string]any) []map[string]any {
	if len(outputs) == 0 {
		return nil
	}

	var files []map[string]any

	for _, value := range outputs {
		files = append(files, filesFromValue(value)...)
	}

	return files
}

func filesFromValue(value any) []map[string]any {
	switch v := value.(type) {
	case []any:
		var files []map[string]any

		for _, item := range v {
			if file := fileFromMap(item); file != nil {
				files = append(files, file)
			}
		}

		return files
	case map[string]any:
		if file := fileFromMap(v); file != nil {
			return []map[string]any{file}
		}
	}

	return nil
}

func fileFromMap(value any) map[string]any {
	m, ok := value.(map[string]any)
	if !ok {
		return nil
	}

	if identity, ok := m[FileIdentityKey].(string); ok && identity == FileIdentity {
		return m
	}

	return nil
}
