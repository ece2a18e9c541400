package agent

import (
	"sync"

	"github.com/rs/xid"
)

// Owner identifies the session holding or queueing a token.
type Owner any

// Grant reports a queued request that became granted.
type Grant struct {
	Owner      Owner
	ResourceID string
	Token      string
}

type holder struct {
	owner     Owner
	exclusive bool
}

type request struct {
	owner     Owner
	token     string
	exclusive bool
}

type resourceLock struct {
	holders   map[string]holder
	exclusive bool
	queue     []request
}

// LockTable grants shared and exclusive leases per resource. Requests that
// cannot be granted queue in FIFO order. A shared request never overtakes a
// queued exclusive one, and consecutive shared heads are granted together.
type LockTable struct {
	mu        sync.Mutex
	resources map[string]*resourceLock
	tokens    map[string]string
}

// NewLockTable returns an empty table.
func NewLockTable() *LockTable {
	return &LockTable{
		resources: make(map[string]*resourceLock),
		tokens:    make(map[string]string),
	}
}

func (r *resourceLock) compatible(exclusive bool) bool {
	if exclusive {
		return len(r.holders) == 0
	}
	return !r.exclusive
}

func (r *resourceLock) hold(token string, owner Owner, exclusive bool) {
	r.holders[token] = holder{owner: owner, exclusive: exclusive}
	if exclusive {
		r.exclusive = true
	}
}

// Acquire grants or queues a request and returns its token.
func (t *LockTable) Acquire(owner Owner, resourceID string, exclusive bool) (token string, granted bool) {
	token = xid.New().String()
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.resources[resourceID]
	if r == nil {
		r = &resourceLock{holders: make(map[string]holder)}
		t.resources[resourceID] = r
	}
	t.tokens[token] = resourceID
	if len(r.queue) == 0 && r.compatible(exclusive) {
		r.hold(token, owner, exclusive)
		return token, true
	}
	r.queue = append(r.queue, request{owner: owner, token: token, exclusive: exclusive})
	return token, false
}

// Release drops a held token or cancels a queued one. Tokens that are unknown
// or belong to another owner are ignored. Requests granted as a consequence
// are returned for notification.
func (t *LockTable) Release(owner Owner, token string) []Grant {
	t.mu.Lock()
	defer t.mu.Unlock()
	resourceID, ok := t.tokens[token]
	if !ok {
		return nil
	}
	r := t.resources[resourceID]
	if !t.dropLocked(r, owner, token) {
		return nil
	}
	delete(t.tokens, token)
	return t.promoteLocked(resourceID, r)
}

// ReleaseOwner drops every token owner holds or queued.
func (t *LockTable) ReleaseOwner(owner Owner) []Grant {
	t.mu.Lock()
	defer t.mu.Unlock()
	var grants []Grant
	for resourceID, r := range t.resources {
		touched := false
		for token, h := range r.holders {
			if h.owner == owner {
				delete(r.holders, token)
				delete(t.tokens, token)
				touched = true
			}
		}
		kept := r.queue[:0]
		for _, req := range r.queue {
			if req.owner == owner {
				delete(t.tokens, req.token)
				touched = true
				continue
			}
			kept = append(kept, req)
		}
		r.queue = kept
		if touched {
			r.exclusive = hasExclusive(r.holders)
			grants = append(grants, t.promoteLocked(resourceID, r)...)
		}
	}
	return grants
}

func (t *LockTable) dropLocked(r *resourceLock, owner Owner, token string) bool {
	if h, ok := r.holders[token]; ok {
		if h.owner != owner {
			return false
		}
		delete(r.holders, token)
		if h.exclusive {
			r.exclusive = false
		}
		return true
	}
	for i, req := range r.queue {
		if req.token != token {
			continue
		}
		if req.owner != owner {
			return false
		}
		r.queue = append(r.queue[:i], r.queue[i+1:]...)
		return true
	}
	return false
}

func (t *LockTable) promoteLocked(resourceID string, r *resourceLock) []Grant {
	var grants []Grant
	for len(r.queue) > 0 {
		head := r.queue[0]
		if !r.compatible(head.exclusive) {
			break
		}
		r.queue = r.queue[1:]
		r.hold(head.token, head.owner, head.exclusive)
		grants = append(grants, Grant{Owner: head.owner, ResourceID: resourceID, Token: head.token})
	}
	if len(r.holders) == 0 && len(r.queue) == 0 {
		delete(t.resources, resourceID)
	}
	return grants
}

func hasExclusive(holders map[string]holder) bool {
	for _, h := range holders {
		if h.exclusive {
			return true
		}
	}
	return false
}

// Stats reports held and queued tokens across all resources.
func (t *LockTable) Stats() (held, queued int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.resources {
		held += len(r.holders)
		queued += len(r.queue)
	}
	return held, queued
}
