package relay

import (
	"sync"

	"github.com/waypost/waypost/internal/wire"
)

// PresenceEvent is delivered to in-process subscribers alongside the
// peer_online / peer_offline fan-out.
type PresenceEvent struct {
	Type      string
	PublicKey string
	Name      string
}

// Presence maintains the derived view of who is online. Stored-for
// keys are pinned: their departure is never retracted and the peer
// list reports them even while offline, so senders keep routing to
// them and the buffer picks the envelopes up.
type Presence struct {
	registry *Registry
	buffers  *Buffers

	subMu sync.RWMutex
	subs  []chan PresenceEvent
}

func NewPresence(registry *Registry, buffers *Buffers) *Presence {
	return &Presence{
		registry: registry,
		buffers:  buffers,
	}
}

// PeerOnline announces a freshly registered session to every other
// session.
func (p *Presence) PeerOnline(s Session) {
	frame := wire.PeerOnline{
		Type:      wire.TypePeerOnline,
		PublicKey: s.PublicKey(),
		Name:      s.Name(),
	}
	p.fanOut(s.PublicKey(), frame)
	p.notify(PresenceEvent{Type: wire.TypePeerOnline, PublicKey: s.PublicKey(), Name: s.Name()})
}

// PeerOffline announces a departure, unless the key is stored-for: a
// pinned peer stays visible so senders do not give up before the
// buffer catches their envelopes.
func (p *Presence) PeerOffline(publicKey string) {
	if p.buffers.IsStored(publicKey) {
		return
	}
	frame := wire.PeerOffline{
		Type:      wire.TypePeerOffline,
		PublicKey: publicKey,
	}
	p.fanOut(publicKey, frame)
	p.notify(PresenceEvent{Type: wire.TypePeerOffline, PublicKey: publicKey})
}

// PeerList snapshots the visible peers for a registering key: every
// online session plus offline stored-for keys, excluding the key
// itself.
func (p *Presence) PeerList(exclude string) []wire.Peer {
	online := p.registry.All()
	peers := make([]wire.Peer, 0, len(online))
	seen := make(map[string]bool, len(online))
	for _, s := range online {
		pk := s.PublicKey()
		if pk == exclude {
			continue
		}
		peers = append(peers, wire.Peer{PublicKey: pk, Name: s.Name()})
		seen[pk] = true
	}
	for _, pk := range p.buffers.Keys() {
		if pk == exclude || seen[pk] {
			continue
		}
		peers = append(peers, wire.Peer{PublicKey: pk})
	}
	return peers
}

func (p *Presence) fanOut(exclude string, frame any) {
	for _, s := range p.registry.All() {
		if s.PublicKey() == exclude {
			continue
		}
		s.SendFrame(frame)
	}
}

// Subscribe registers an observer channel. Events are dropped rather
// than block when the channel is full.
func (p *Presence) Subscribe(ch chan PresenceEvent) {
	p.subMu.Lock()
	p.subs = append(p.subs, ch)
	p.subMu.Unlock()
}

func (p *Presence) Unsubscribe(ch chan PresenceEvent) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for i, c := range p.subs {
		if c == ch {
			p.subs = append(p.subs[:i], p.subs[i+1:]...)
			break
		}
	}
}

func (p *Presence) notify(ev PresenceEvent) {
	p.subMu.RLock()
	defer p.subMu.RUnlock()
	for _, ch := range p.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
