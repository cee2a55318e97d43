// Package file implements a local filesystem-backed batch source. It stands in
// for the remote extraction collaborator: one file holds one extraction's
// worth of records as a JSON array of objects.
package file

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"tablesync/internal/records"
)

// ReadBatch decodes a JSON array of records from path and returns the batch
// along with the source's field order. The order is taken from the first
// object's keys as written in the file; fields that only appear in later
// records are appended in sorted order, so downstream collision handling stays
// deterministic.
func ReadBatch(path string) ([]records.Record, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}

	var batch []records.Record
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", path, err)
	}

	fields, err := firstObjectFields(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", path, err)
	}
	fields = appendMissing(fields, records.FieldsOf(batch))
	return batch, fields, nil
}

// firstObjectFields walks the token stream of the leading object to recover
// its key order, which json.Unmarshal into a map discards.
func firstObjectFields(raw []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))

	// Opening '['.
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, fmt.Errorf("batch file must contain a JSON array, got %v", tok)
	}
	if !dec.More() {
		return nil, nil // empty batch
	}

	// Opening '{' of the first record.
	if tok, err = dec.Token(); err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("batch records must be JSON objects, got %v", tok)
	}

	var fields []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v in record", keyTok)
		}
		fields = append(fields, key)

		// Skip the value, whatever its shape.
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return fields, nil
}

// appendMissing keeps the primary order and appends any extra fields that only
// later records introduced.
func appendMissing(primary, all []string) []string {
	seen := make(map[string]struct{}, len(primary))
	for _, f := range primary {
		seen[f] = struct{}{}
	}
	for _, f := range all {
		if _, ok := seen[f]; !ok {
			primary = append(primary, f)
		}
	}
	return primary
}
