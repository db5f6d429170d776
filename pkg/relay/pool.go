package relay

import (
	"sync"
	"sync/atomic"
)

// peerPool 在线 peer 表
type peerPool struct {
	peers    sync.Map // peerID -> *Peer
	count    atomic.Int64
	maxPeers int
}

func newPeerPool(maxPeers int) *peerPool {
	return &peerPool{maxPeers: maxPeers}
}

// add 加入 peer，超过上限时回滚
func (p *peerPool) add(peer *Peer) error {
	if _, loaded := p.peers.LoadOrStore(peer.ID, peer); loaded {
		return ErrPeerIDExists
	}
	if int(p.count.Add(1)) > p.maxPeers {
		p.count.Add(-1)
		p.peers.Delete(peer.ID)
		return ErrTooManyPeers
	}
	return nil
}

// remove 移除 peer，返回是否确实存在
func (p *peerPool) remove(id string) bool {
	if _, loaded := p.peers.LoadAndDelete(id); loaded {
		p.count.Add(-1)
		return true
	}
	return false
}

func (p *peerPool) get(id string) (*Peer, bool) {
	v, ok := p.peers.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Peer), true
}

func (p *peerPool) len() int {
	return int(p.count.Load())
}

func (p *peerPool) each(f func(*Peer) bool) {
	p.peers.Range(func(_, v any) bool {
		return f(v.(*Peer))
	})
}
