// Package persistence saves execution results to files, as JSON or YAML
// depending on the file extension.
package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const indent = "  "

type Serializer interface {
	Marshal(data any) ([]byte, error)
}

type Writer interface {
	Write(filename string, data []byte) error
}

type JSONSerializer struct {
	Indent string
}

func (s JSONSerializer) Marshal(data any) ([]byte, error) {
	b, err := json.MarshalIndent(data, "", s.Indent)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

type YAMLSerializer struct{}

func (YAMLSerializer) Marshal(data any) ([]byte, error) {
	return yaml.Marshal(data)
}

// SerializerFor picks YAML for .yaml and .yml files and JSON otherwise.
func SerializerFor(filename string) Serializer {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return YAMLSerializer{}
	}
	return JSONSerializer{Indent: indent}
}

// FileWriter replaces the file atomically. Results may carry command
// output, so files are created owner-only.
type FileWriter struct {
	Overwrite bool
}

func (w FileWriter) Write(filename string, data []byte) error {
	if filename == "" {
		return os.ErrInvalid
	}
	if !w.Overwrite {
		if _, err := os.Stat(filename); !errors.Is(err, fs.ErrNotExist) {
			return os.ErrExist
		}
	}
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(filename)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filename)
}

// WriteToFile serializes data and hands it to writer.
func WriteToFile(data any, filename string, serializer Serializer, writer Writer) error {
	if filename == "" {
		return fmt.Errorf("invalid filename: %w", os.ErrInvalid)
	}
	b, err := serializer.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := writer.Write(filename, b); err != nil {
		return fmt.Errorf("failed to write %s: %w", filename, err)
	}
	return nil
}

// Save writes data to filename in the format implied by its extension,
// replacing any existing file.
func Save(data any, filename string) error {
	return WriteToFile(data, filename, SerializerFor(filename), FileWriter{Overwrite: true})
}
