// Package logging provides a fluent structured-field builder on top of
// zap, plus the logr.Logger bridge used everywhere else in the module
// (components take a logr.Logger, not a concrete zap type, so tests can
// pass logr.Discard()).
package logging

import "time"

// Fields is a fluent builder for structured log fields. It is a plain map
// so it can be passed directly to zap.Any("fields", ...) or splatted into
// a logr.Logger's key/value pairs via Pairs().
type Fields map[string]any

// NewFields returns an empty Fields builder.
func NewFields() Fields {
	return Fields{}
}

func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

func (f Fields) Operation(name string) Fields {
	f["operation"] = name
	return f
}

func (f Fields) Resource(resourceType, resourceName string) Fields {
	f["resource_type"] = resourceType
	if resourceName != "" {
		f["resource_name"] = resourceName
	}
	return f
}

func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

func (f Fields) RunID(id string) Fields {
	f["run_id"] = id
	return f
}

func (f Fields) Err(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

// Pairs flattens the fields into an alternating key/value slice suitable
// for logr.Logger.Info(msg, pairs...).
func (f Fields) Pairs() []any {
	pairs := make([]any, 0, len(f)*2)
	for k, v := range f {
		pairs = append(pairs, k, v)
	}
	return pairs
}
