// Package config parses the comma separated "key=value" tag strings handed to
// the transport and the chunkiser.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
)

type Tags map[string]string

// Parse splits "k1=v1,k2=v2". Keys are case-sensitive, surrounding blanks are
// trimmed, a key without "=" maps to "1" and the last duplicate wins.
func Parse(s string) (Tags, error) {
	tags := make(Tags)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if k == "" {
			return nil, fmt.Errorf("config: empty key in %q", part)
		}
		if !ok {
			v = "1"
		}
		tags[k] = strings.TrimSpace(v)
	}
	return tags, nil
}

func (t Tags) Has(key string) bool {
	_, ok := t[key]
	return ok
}

func (t Tags) String(key, def string) string {
	if v, ok := t[key]; ok {
		return v
	}
	return def
}

func (t Tags) Int(key string, def int) (int, error) {
	v, ok := t[key]
	if !ok {
		return def, nil
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return def, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func (t Tags) Bool(key string, def bool) (bool, error) {
	v, ok := t[key]
	if !ok {
		return def, nil
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

// Duration accepts Go duration strings; a bare integer is read as milliseconds.
func (t Tags) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := t[key]
	if !ok {
		return def, nil
	}
	if n, err := cast.ToInt64E(v); err == nil {
		return time.Duration(n) * time.Millisecond, nil
	}
	d, err := cast.ToDurationE(v)
	if err != nil {
		return def, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
