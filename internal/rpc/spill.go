package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/kode4food/switchyard/pkg/api"
)

// spiller moves payloads above a size threshold out of band. The sender
// writes the payload to a temporary file and sends {"$file": path}; the
// receiver reads the file and deletes it
type spiller struct {
	dir       string
	threshold int
}

// DefaultPayloadThreshold is the payload size above which arguments and
// results travel through a temporary file
const DefaultPayloadThreshold = 1 << 20

var fileRefKey = []byte(`"$file"`)

func (s spiller) encode(v any) (json.RawMessage, string, error) {
	if v == nil {
		return nil, "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, "", err
	}
	if s.threshold <= 0 || len(data) <= s.threshold {
		return data, "", nil
	}
	f, err := os.CreateTemp(s.dir, "switchyard-rpc-*.json")
	if err != nil {
		return nil, "", fmt.Errorf("spill payload: %w", err)
	}
	path := f.Name()
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(path)
		return nil, "", fmt.Errorf("spill payload: %w", coalesce(werr, cerr))
	}
	ref, err := json.Marshal(api.FileRef{File: path})
	if err != nil {
		_ = os.Remove(path)
		return nil, "", err
	}
	return ref, path, nil
}

// resolve returns the payload raw stands for, reading and deleting its
// file when it is a file reference
func resolve(raw json.RawMessage) (json.RawMessage, error) {
	path, ok := fileRef(raw)
	if !ok {
		return raw, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spilled payload: %w", err)
	}
	_ = os.Remove(path)
	return data, nil
}

func fileRef(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '{' || !bytes.Contains(raw, fileRefKey) {
		return "", false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || len(fields) != 1 {
		return "", false
	}
	var ref api.FileRef
	if err := json.Unmarshal(raw, &ref); err != nil || ref.File == "" {
		return "", false
	}
	return ref.File, true
}

// discard removes the file raw refers to, for payloads nobody will resolve
func discard(raw json.RawMessage) {
	if path, ok := fileRef(raw); ok {
		removeSpill(path)
	}
}

func removeSpill(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}

func coalesce(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
