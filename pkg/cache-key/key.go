package cachekey

// a request line is split on spaces, so neither method nor path contains one
const methodSeparator = " "

// Key identifies a cached response.
// Two requests share a key only if both method and path are byte-for-byte equal.
type Key struct {
	Method string
	Path   string
}

func New(method, path string) Key {
	return Key{Method: method, Path: path}
}

// String returns the key in `METHOD path` form, e.g. for logging and lock maps.
func (k Key) String() string {
	return k.Method + methodSeparator + k.Path
}
