package negotiate

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Well known capture parameter keys.
const (
	KeyPreviewSize       = "preview-size"
	KeyPreviewSizeValues = "preview-size-values"
	KeyFrameRate         = "preview-frame-rate"
	KeyFormat            = "preview-format"
	KeyFormatValues      = "preview-format-values"
)

const (
	// FrameRate is the fixed preview rate requested from every camera.
	FrameRate = 30
	// FormatYUV420P is the planar 4:2:0 preview format.
	FormatYUV420P = "yuv420p"
)

// Params is a "key=value;key=value" parameter set that keeps key order.
type Params struct {
	keys   []string
	values map[string]string
}

// ParseParams parses a serialized parameter string. Empty segments are
// ignored, a segment without '=' is an error.
func ParseParams(s string) (*Params, error) {
	p := &Params{values: make(map[string]string)}
	for _, segment := range strings.Split(s, ";") {
		if segment == "" {
			continue
		}
		key, value, ok := strings.Cut(segment, "=")
		if !ok || key == "" {
			return nil, errors.Errorf("malformed parameter %q", segment)
		}
		p.Set(key, value)
	}
	return p, nil
}

// Get returns the value stored for key.
func (p *Params) Get(key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Set replaces the value of key, or appends key if it is new.
func (p *Params) Set(key, value string) {
	if p.values == nil {
		p.values = make(map[string]string)
	}
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Keys returns the keys in insertion order.
func (p *Params) Keys() []string {
	return append([]string(nil), p.keys...)
}

// Merge applies every pair of overrides onto p.
func (p *Params) Merge(overrides *Params) {
	for _, key := range overrides.keys {
		p.Set(key, overrides.values[key])
	}
}

func (p *Params) String() string {
	var b strings.Builder
	for i, key := range p.keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(p.values[key])
	}
	return b.String()
}

// Merge replaces the value of every key of overrides in base, appending
// unknown keys, and returns the serialized result.
func Merge(base, overrides string) (string, error) {
	merged, err := ParseParams(base)
	if err != nil {
		return "", errors.Wrap(err, "base parameters")
	}
	extra, err := ParseParams(overrides)
	if err != nil {
		return "", errors.Wrap(err, "override parameters")
	}
	merged.Merge(extra)
	return merged.String(), nil
}

// BuildParameters returns the parameter set requested for a negotiated size.
func BuildParameters(size Size) string {
	p := &Params{}
	p.Set(KeyPreviewSize, size.String())
	p.Set(KeyFrameRate, strconv.Itoa(FrameRate))
	p.Set(KeyFormat, FormatYUV420P)
	return p.String()
}
