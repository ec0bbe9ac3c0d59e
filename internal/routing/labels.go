package routing

// Label is one container label.
type Label struct {
	Key   string
	Value string
}

func (l Label) String() string { return l.Key + "=" + l.Value }

// Labels is an ordered label set.
type Labels []Label

// Pairs renders "key=value" strings in order, as `podman run --label` and
// the unit's Label= lines take them.
func (ls Labels) Pairs() []string {
	out := make([]string, len(ls))
	for i, l := range ls {
		out[i] = l.String()
	}
	return out
}

// Map indexes the labels by key.
func (ls Labels) Map() map[string]string {
	m := make(map[string]string, len(ls))
	for _, l := range ls {
		m[l.Key] = l.Value
	}
	return m
}

// Missing returns the labels whose key is absent from observed or whose
// value differs.
func (ls Labels) Missing(observed map[string]string) Labels {
	var out Labels
	for _, l := range ls {
		if v, ok := observed[l.Key]; !ok || v != l.Value {
			out = append(out, l)
		}
	}
	return out
}
