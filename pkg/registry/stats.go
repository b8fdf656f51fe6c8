package registry

// Stats is a point-in-time summary of the registry.
type Stats struct {
	Peers         int   `json:"peers"`
	Topics        int   `json:"topics"`
	Subscriptions int   `json:"subscriptions"`
	Messages      int64 `json:"messages"`
}

// Stats counts peers, topics, subscriptions and retained log entries.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{Peers: len(r.peers), Topics: len(r.topics)}
	for _, t := range r.topics {
		st.Subscriptions += len(t.subscribers)
		st.Messages += int64(len(t.log))
	}
	return st
}
