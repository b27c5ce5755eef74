package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	yaml "go.yaml.in/yaml/v3"
)

// Decode parses data as JSON, or YAML when path ends in .yaml/.yml. YAML is
// converted to JSON first so both formats share one strict decoder: unknown
// keys, trailing JSON values and extra YAML documents are errors.
func Decode(path string, data []byte) (*Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		jb, err := yamlToJSON(data)
		if err != nil {
			return nil, err
		}
		data = jb
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("decode config: trailing data after the config object")
	}
	return &cfg, nil
}

func yamlToJSON(data []byte) ([]byte, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var doc any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return []byte("{}"), nil
		}
		return nil, errors.Wrap(err, "parse yaml")
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, errors.New("parse yaml: trailing data after the config object")
	}
	b, err := json.Marshal(jsonCompatible(doc))
	if err != nil {
		return nil, errors.Wrap(err, "convert yaml")
	}
	return b, nil
}

// jsonCompatible rewrites non-string map keys (yaml allows `1: x`) so the
// tree can be marshaled as JSON.
func jsonCompatible(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = jsonCompatible(e)
		}
		return x
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[fmt.Sprint(k)] = jsonCompatible(e)
		}
		return out
	case []any:
		for i, e := range x {
			x[i] = jsonCompatible(e)
		}
	}
	return v
}

// ParseDurationField parses a Go duration string; empty means zero and
// negative values are rejected. path prefixes errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	return parseDuration(path, raw, 0)
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return parseDuration(path, raw, def)
}

func parseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, errors.Wrapf(err, "%s: invalid duration %q", path, raw)
	case d < 0:
		return 0, errors.Newf("%s: duration must be >= 0, got %s", path, d)
	case d == 0:
		return def, nil
	}
	return d, nil
}
