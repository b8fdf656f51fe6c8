package registry

// SelectHost picks the peer that takes over the topics of departing: the
// earliest-registered candidate other than departing. It returns false when
// no candidate remains, in which case the topics must be deleted.
//
// The choice ignores load and subscriptions, and the chosen peer is not
// told; subscribers learn the new host on their next subscribe or host query.
func SelectHost(candidates []Peer, departing string) (string, bool) {
	var (
		best  Peer
		found bool
	)
	for _, p := range candidates {
		if p.ID == departing {
			continue
		}
		if !found || p.Seq < best.Seq {
			best = p
			found = true
		}
	}
	return best.ID, found
}
