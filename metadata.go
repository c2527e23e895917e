package ratethrottle

// Metadata is the typed, enumerated bag of request context a caller may
// pass to Check. Endpoint, Method, UserID, and APIKey are recognized by
// the scope resolver and the traffic analyzer; Custom is passed through
// opaquely to observers without being interpreted by the core.
type Metadata struct {
	Endpoint string
	Method   string
	UserID   string
	APIKey   string
	Custom   map[string]string
}

// clone returns a deep copy so a recorded Violation's metadata snapshot
// can't be mutated by later changes to the caller's Metadata value.
func (m Metadata) clone() Metadata {
	if m.Custom == nil {
		return m
	}
	custom := make(map[string]string, len(m.Custom))
	for k, v := range m.Custom {
		custom[k] = v
	}
	m.Custom = custom
	return m
}

// toMap flattens Metadata into the free-form map that Violation carries
// for observers that want everything in one place.
func (m Metadata) toMap() map[string]string {
	out := make(map[string]string, len(m.Custom)+4)
	if m.Endpoint != "" {
		out["endpoint"] = m.Endpoint
	}
	if m.Method != "" {
		out["method"] = m.Method
	}
	if m.UserID != "" {
		out["user_id"] = m.UserID
	}
	if m.APIKey != "" {
		out["api_key"] = m.APIKey
	}
	for k, v := range m.Custom {
		out[k] = v
	}
	return out
}
