package core

import "hash/fnv"

const presenceShards = 32

// Presence maps online users to the most recent connection they opened.
// Entries are spread over independently locked shards.
type Presence struct {
	shards [presenceShards]*SyncMap[string, Handle]
}

func NewPresence() *Presence {
	p := &Presence{}
	for i := range p.shards {
		p.shards[i] = NewSyncMap[string, Handle]()
	}
	return p
}

func (p *Presence) shard(userID string) *SyncMap[string, Handle] {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return p.shards[h.Sum32()%presenceShards]
}

// Register points userID at handle. A previous handle for the same user
// stays open but is no longer reachable through the registry.
func (p *Presence) Register(userID string, handle Handle) {
	p.shard(userID).Store(userID, handle)
}

func (p *Presence) Resolve(userID string) (Handle, bool) {
	return p.shard(userID).Load(userID)
}

// Unregister removes the entry for userID only if it still points at handle.
func (p *Presence) Unregister(userID string, handle Handle) bool {
	return p.shard(userID).CompareAndDelete(userID, func(current Handle) bool {
		return current.ID() == handle.ID()
	})
}

func (p *Presence) IsOnline(userID string) bool {
	_, ok := p.Resolve(userID)
	return ok
}

func (p *Presence) Count() int {
	var n int
	for _, s := range p.shards {
		n += s.Len()
	}
	return n
}
