// Package metadata holds the string headers that travel next to an envelope
// payload and the keys hubflow reserves for itself.
package metadata

import "strings"

// Metadata represents the headers carried alongside an envelope.
type Metadata map[string]string

// Clone returns a shallow copy. The result is never nil.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// With returns a copy containing key=value.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

// WithAll returns a copy with entries merged over the receiver.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.Clone()
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Get returns the value for key or "".
func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return m[key]
}

// User returns a copy without the reserved hub_ keys.
func (m Metadata) User() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		if IsReserved(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// New constructs Metadata from alternating key/value pairs. A trailing key
// without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// IsReserved reports whether key belongs to hubflow.
func IsReserved(key string) bool {
	return strings.HasPrefix(key, ReservedPrefix)
}
