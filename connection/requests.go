package connection

import (
	"sync"

	"github.com/james226/collab-session/protocol"
)

type result struct {
	resp protocol.Response
	err  error
}

// requests correlates in-flight requests with their responses by nonce.
type requests struct {
	mu      sync.Mutex
	pending map[protocol.Nonce]chan result
}

func newRequests() *requests {
	return &requests{pending: make(map[protocol.Nonce]chan result)}
}

func (r *requests) add(nonce protocol.Nonce) (<-chan result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.pending[nonce]; dup {
		return nil, false
	}
	ch := make(chan result, 1)
	r.pending[nonce] = ch
	return ch, true
}

func (r *requests) remove(nonce protocol.Nonce) {
	r.mu.Lock()
	delete(r.pending, nonce)
	r.mu.Unlock()
}

// resolve hands resp to the request waiting on its nonce and reports whether
// one was waiting.
func (r *requests) resolve(resp protocol.Response) bool {
	r.mu.Lock()
	ch, ok := r.pending[resp.ResponseNonce()]
	delete(r.pending, resp.ResponseNonce())
	r.mu.Unlock()
	if ok {
		ch <- result{resp: resp}
	}
	return ok
}

// cancelAll fails every waiting request with err.
func (r *requests) cancelAll(err error) int {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[protocol.Nonce]chan result)
	r.mu.Unlock()
	for _, ch := range pending {
		ch <- result{err: err}
	}
	return len(pending)
}
