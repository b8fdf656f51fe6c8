package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/TeoSlayer/topicbus/internal/fsutil"
)

// peerStore persists the peer table. Topics and message logs are never
// written to disk.
type peerStore struct {
	path string
	// wmu serialises snapshot+write so a newer snapshot is never overwritten
	// by an older one.
	wmu sync.Mutex
}

type snapshot struct {
	NextSeq uint64         `json:"next_seq"`
	Peers   []snapshotPeer `json:"peers"`
}

type snapshotPeer struct {
	ID           string    `json:"peer_id"`
	IP           string    `json:"ip"`
	Port         int       `json:"port"`
	RegisteredAt time.Time `json:"registered_at"`
	Seq          uint64    `json:"seq"`
}

// save signals the save loop. Must be called with r.mu held.
func (r *Registry) save() {
	if r.store == nil {
		return
	}
	select {
	case r.saveCh <- struct{}{}:
	default: // already signaled, will be picked up
	}
}

func (r *Registry) saveLoop() {
	defer close(r.saveDone)
	for {
		select {
		case <-r.saveCh:
			if err := r.Flush(); err != nil {
				slog.Error("registry save error", "err", err)
			}
		case <-r.done:
			return
		}
	}
}

// Flush writes the current peer table to the store synchronously.
func (r *Registry) Flush() error {
	if r.store == nil {
		return nil
	}
	r.store.wmu.Lock()
	defer r.store.wmu.Unlock()

	r.mu.Lock()
	snap := snapshot{NextSeq: r.nextSeq, Peers: make([]snapshotPeer, 0, len(r.peers))}
	for _, p := range r.peerList() {
		snap.Peers = append(snap.Peers, snapshotPeer{
			ID:           p.ID,
			IP:           p.IP,
			Port:         p.Port,
			RegisteredAt: p.RegisteredAt,
			Seq:          p.Seq,
		})
	}
	r.mu.Unlock()

	if err := fsutil.WriteJSON(r.store.path, snap); err != nil {
		return err
	}
	slog.Debug("registry peers saved", "peers", len(snap.Peers))
	return nil
}

// load restores the peer table. Called before the registry is shared.
func (r *Registry) load() error {
	var snap snapshot
	if err := fsutil.ReadJSON(r.store.path, &snap); err != nil {
		return err
	}

	for _, p := range snap.Peers {
		if p.ID == "" {
			slog.Warn("registry load: skip peer without id", "seq", p.Seq)
			continue
		}
		if _, dup := r.peers[p.ID]; dup {
			return fmt.Errorf("duplicate peer %q in %s", p.ID, r.store.path)
		}
		r.peers[p.ID] = &Peer{
			ID:           p.ID,
			IP:           p.IP,
			Port:         p.Port,
			RegisteredAt: p.RegisteredAt,
			Seq:          p.Seq,
		}
		if p.Seq > r.nextSeq {
			r.nextSeq = p.Seq
		}
	}
	if snap.NextSeq > r.nextSeq {
		r.nextSeq = snap.NextSeq
	}
	return nil
}
