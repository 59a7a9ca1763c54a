package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Info is an observer's snapshot of a live session.
type Info struct {
	ConnID      uuid.UUID `json:"conn_id"`
	ClientID    string    `json:"client_id,omitempty"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	Phase       Phase     `json:"phase"`
	Acked       uint64    `json:"acked"`
	Delivered   uint64    `json:"delivered"`
	Violations  int       `json:"violations"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Store tracks snapshots of live sessions. It is only ever read for observability;
// protocol decisions are made on the Session owned by the connection flow.
type Store interface {
	New(info Info) error
	Get(connID uuid.UUID) (Info, error)
	Set(info Info) error
	Clear(connID uuid.UUID) error
	List() []Info
}

type MemoryStore struct {
	sessions map[uuid.UUID]Info
	mu       sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[uuid.UUID]Info),
	}
}

func (p *MemoryStore) New(info Info) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sessions[info.ConnID]; ok {
		return ErrSessionAlreadyExists
	}
	p.sessions[info.ConnID] = info
	return nil
}

func (p *MemoryStore) Get(connID uuid.UUID) (Info, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if info, ok := p.sessions[connID]; ok {
		return info, nil
	}
	return Info{}, ErrSessionNotFound
}

// Set replaces the snapshot, keeping the remote address recorded at creation.
func (p *MemoryStore) Set(info Info) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cpy, ok := p.sessions[info.ConnID]
	if !ok {
		return ErrSessionNotFound
	}
	if info.RemoteAddr == "" {
		info.RemoteAddr = cpy.RemoteAddr
	}
	p.sessions[info.ConnID] = info
	return nil
}

func (p *MemoryStore) Clear(connID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sessions[connID]; !ok {
		return ErrSessionNotFound
	}
	delete(p.sessions, connID)
	return nil
}

// List returns all snapshots ordered by connection time.
func (p *MemoryStore) List() []Info {
	p.mu.RLock()
	out := make([]Info, 0, len(p.sessions))
	for _, info := range p.sessions {
		out = append(out, info)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}
