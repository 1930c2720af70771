package metadata

// Metadata represents the headers carried alongside a payload.
type Metadata map[string]string

// Well-known header keys understood by the runtime.
const (
	KeyResponseChannel = "taskflow_response_channel"
	KeyResponseType    = "taskflow_response_type"
	KeyResponseAction  = "taskflow_response_action"
	KeyMessageType     = "taskflow_message_type"
	KeyAction          = "taskflow_action"
	KeyPriority        = "taskflow_priority"
	KeyCorrelationID   = "correlation_id"
	KeyOriginator      = "taskflow_originator"
	KeyContentType     = "content_type"
	KeyStatus          = "taskflow_status"
)

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// Get returns the value stored under key or "" for nil maps.
func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return m[key]
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Without returns a clone with the supplied keys removed.
func (m Metadata) Without(keys ...string) Metadata {
	cloned := m.Clone()
	for _, k := range keys {
		delete(cloned, k)
	}
	return cloned
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
