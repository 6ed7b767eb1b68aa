package persist

// The wire-response files committed to in contracts must be byte-for-byte
// reproducible across restarts: the hash stored on a wire method is the hash
// of the exact JSON persisted to disk. SaveJSONCompact therefore writes the
// canonical form (sorted keys, no insignificant whitespace) and LoadJSONRaw
// hands back the exact bytes.

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"gitlab.com/NebulousLabs/errors"
)

// SaveJSONCompact writes obj to filename in canonical form with the given
// file mode, creating parent directories as needed. The write goes through a
// temporary file and a rename so a crash never leaves a half-written file.
func SaveJSONCompact(filename string, obj interface{}, mode os.FileMode) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return errors.AddContext(err, "unable to marshal object")
	}
	// encoding/json sorts map keys; re-encoding through a map canonicalizes
	// structs whose field order differs from the lexicographic one.
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return errors.AddContext(err, "object is not a JSON object")
	}
	canonical, err := json.Marshal(m)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0700); err != nil {
		return errors.AddContext(err, "unable to create directory")
	}
	tmp := filename + "_temp"
	if err := os.WriteFile(tmp, canonical, mode); err != nil {
		return errors.AddContext(err, "unable to write temp file")
	}
	return os.Rename(tmp, filename)
}

// LoadJSONRaw reads a file and returns both the decoded object and the
// exact bytes on disk.
func LoadJSONRaw(filename string, obj interface{}) ([]byte, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(obj); err != nil {
		return nil, errors.AddContext(err, "unable to decode "+filename)
	}
	return data, nil
}
