package domain

// Payload is an opaque JSON object forwarded verbatim to agents. The core never
// interprets its contents beyond the hybrid "phases" key.
type Payload map[string]any

// Clone returns a shallow copy. Nested values are shared; the core only ever
// rebinds top-level keys.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge overlays over onto p and returns the combined payload. Keys from over
// win on collision. Neither input is mutated.
func (p Payload) Merge(over Payload) Payload {
	out := p.Clone()
	for k, v := range over {
		out[k] = v
	}
	return out
}
