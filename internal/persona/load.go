package persona

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads and validates a persona from a YAML file or from the JSON
// export of the web app (JSON is valid YAML).
func LoadFile(path string) (*Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("persona: open %q: %w", path, err)
	}
	defer f.Close()

	d, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("persona: parse %q: %w", path, err)
	}
	return d, nil
}

// Decode parses and validates a persona from r. Keys the descriptor does not
// know about (such as the export's advancedTraits) are ignored.
func Decode(r io.Reader) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.NewDecoder(r).Decode(&d); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("persona: decode: empty document")
		}
		return nil, fmt.Errorf("persona: decode: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}
