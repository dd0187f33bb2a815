// Package serialization converts values to and from byte streams.
package serialization

import (
	"encoding/json"
	"encoding/xml"
	"io"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Serializer writes a value to a stream and reads it back into target,
// which must be a non-nil pointer.
type Serializer interface {
	Serialize(v any, w io.Writer) error
	Deserialize(r io.Reader, target any) error
}

var (
	_ Serializer = JSON{}
	_ Serializer = XML{}
	_ Serializer = YAML{}
)

// JSON is the structured-text serializer.
type JSON struct{}

func (JSON) Serialize(v any, w io.Writer) error {
	return errors.Wrap(json.NewEncoder(w).Encode(v), "encode json")
}

func (JSON) Deserialize(r io.Reader, target any) error {
	return errors.Wrap(json.NewDecoder(r).Decode(target), "decode json")
}

// XML is the structured-markup serializer.
type XML struct{}

func (XML) Serialize(v any, w io.Writer) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return errors.Wrap(err, "write xml header")
	}
	return errors.Wrap(xml.NewEncoder(w).Encode(v), "encode xml")
}

func (XML) Deserialize(r io.Reader, target any) error {
	return errors.Wrap(xml.NewDecoder(r).Decode(target), "decode xml")
}

type YAML struct{}

func (YAML) Serialize(v any, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		return errors.Wrap(err, "encode yaml")
	}
	return errors.Wrap(enc.Close(), "encode yaml")
}

func (YAML) Deserialize(r io.Reader, target any) error {
	return errors.Wrap(yaml.NewDecoder(r).Decode(target), "decode yaml")
}

// ByName returns the serializer registered under name: json, xml or yaml.
func ByName(name string) (Serializer, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "xml":
		return XML{}, nil
	case "yaml", "yml":
		return YAML{}, nil
	}
	return nil, errors.Errorf("unknown serializer: %s", name)
}
