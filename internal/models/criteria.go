package models

import (
	"fmt"
	"net/url"
	"strings"
)

// Dimension is a typed criteria key. Declaration order is the canonical
// serialization order.
type Dimension int

const (
	ProviderID Dimension = iota
	ProviderType
	ObjectType
	ObjectID
	ConnectionID
	ResourceID
	MetricID
	UserID
	Hashtag

	dimensionCount
)

var dimensionNames = [dimensionCount]string{
	ProviderID:   "PROVIDER_ID",
	ProviderType: "PROVIDER_TYPE",
	ObjectType:   "OBJECT_TYPE",
	ObjectID:     "OBJECT_ID",
	ConnectionID: "CONNECTION_ID",
	ResourceID:   "RESOURCE_ID",
	MetricID:     "METRIC_ID",
	UserID:       "USER_ID",
	Hashtag:      "HASHTAG",
}

func (d Dimension) String() string {
	if d < 0 || d >= dimensionCount {
		return fmt.Sprintf("DIMENSION(%d)", int(d))
	}
	return dimensionNames[d]
}

// ParseDimension resolves a dimension from its canonical name.
func ParseDimension(name string) (Dimension, error) {
	for i, n := range dimensionNames {
		if n == name {
			return Dimension(i), nil
		}
	}
	return 0, fmt.Errorf("unknown dimension %q", name)
}

// Dimensions returns every dimension in canonical order.
func Dimensions() []Dimension {
	out := make([]Dimension, dimensionCount)
	for i := range out {
		out[i] = Dimension(i)
	}
	return out
}

// MarshalText renders the dimension name so criteria maps encode with
// readable keys.
func (d Dimension) MarshalText() ([]byte, error) {
	if d < 0 || d >= dimensionCount {
		return nil, fmt.Errorf("unknown dimension %d", int(d))
	}
	return []byte(dimensionNames[d]), nil
}

func (d *Dimension) UnmarshalText(text []byte) error {
	parsed, err := ParseDimension(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Criteria is a dimension-set: the values that distinguish one metric stream
// from another under the same metric name.
type Criteria map[Dimension]string

// NewCriteria builds criteria from alternating dimension/value pairs,
// skipping empty values.
func NewCriteria(pairs ...any) Criteria {
	c := make(Criteria, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		d, ok := pairs[i].(Dimension)
		if !ok {
			continue
		}
		v, _ := pairs[i+1].(string)
		if v == "" {
			continue
		}
		c[d] = v
	}
	return c
}

// Has reports whether the dimension is pinned.
func (c Criteria) Has(d Dimension) bool {
	_, ok := c[d]
	return ok
}

// Get returns the value for d, or "".
func (c Criteria) Get(d Dimension) string {
	return c[d]
}

// With returns a copy of c with d set to v.
func (c Criteria) With(d Dimension, v string) Criteria {
	out := c.Clone()
	out[d] = v
	return out
}

// Clone returns an independent copy.
func (c Criteria) Clone() Criteria {
	out := make(Criteria, len(c)+1)
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Equal reports whether both sets pin the same dimensions to the same values.
func (c Criteria) Equal(other Criteria) bool {
	if len(c) != len(other) {
		return false
	}
	for k, v := range c {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// String renders the canonical form: KEY=value pairs in declaration order,
// separated by ';', with values query-escaped.
func (c Criteria) String() string {
	if len(c) == 0 {
		return ""
	}
	var b strings.Builder
	for d := Dimension(0); d < dimensionCount; d++ {
		v, ok := c[d]
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(';')
		}
		b.WriteString(dimensionNames[d])
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(v))
	}
	return b.String()
}

// ParseCriteria inverts Criteria.String.
func ParseCriteria(s string) (Criteria, error) {
	c := Criteria{}
	if s == "" {
		return c, nil
	}
	for _, part := range strings.Split(s, ";") {
		name, raw, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("criteria segment %q has no '='", part)
		}
		d, err := ParseDimension(name)
		if err != nil {
			return nil, err
		}
		v, err := url.QueryUnescape(raw)
		if err != nil {
			return nil, fmt.Errorf("criteria value for %s: %w", name, err)
		}
		c[d] = v
	}
	return c, nil
}
