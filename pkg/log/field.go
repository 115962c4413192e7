package log

// Field is one key/value pair attached to a log entry via the
// Field-based Logger API.
type Field struct {
	Key   string
	Value interface{}
}

// F constructs a Field from an arbitrary key/value pair.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Err attaches an error under the conventional "error" key.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Component tags a logger with a component name, for use with With.
func Component(name string) Field {
	return Field{Key: "component", Value: name}
}
