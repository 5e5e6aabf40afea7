package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var ErrUnknownFormat = errors.New("config: unknown file format")

// Decoder is implemented by the yaml and toml decoders.
type Decoder interface {
	Decode(v interface{}) error
}

// DecoderFunc creates a strict Decoder for the given reader. Strict decoders
// reject unknown fields.
type DecoderFunc func(r io.Reader) Decoder

// YAML returns a strict yaml decoder.
func YAML(r io.Reader) Decoder {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	return dec
}

// TOML returns a strict toml decoder.
func TOML(r io.Reader) Decoder {
	return toml.NewDecoder(r).DisallowUnknownFields()
}

// DecoderFor selects a decoder by file extension.
func DecoderFor(filename string) (DecoderFunc, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return YAML, nil
	case ".toml":
		return TOML, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, filename)
}

// Read decodes a configuration from r. Unset scheduler settings take their
// default values and the generic profile is added if the input omits it.
func Read(r io.Reader, f DecoderFunc) (*File, error) {
	var file File
	if err := f(r).Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: %w", err)
	}

	file.applyDefaults()
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

// Open reads the configuration from filename.
func Open(filename string) (*File, error) {
	dec, err := DecoderFor(filename)
	if err != nil {
		return nil, err
	}

	fp, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	return Read(bufio.NewReader(fp), dec)
}
