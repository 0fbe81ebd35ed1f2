package resolve

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Resource is the metadata produced by one resolution. It is owned by the
// resolver while the resolution runs and by the completion callback after
// that; the callback must Release it exactly once.
type Resource struct {
	URL         string
	Path        string
	Size        int64
	ModTime     time.Time
	IsDir       bool
	ContentType string
	// Err is the result code of the resolution; nil on success.
	Err error

	pool     *Pool
	released bool
}

// Release hands the resource back to its pool. Releasing twice is a bug and panics.
func (r *Resource) Release() {
	if r.released {
		panic("resolve: resource released twice")
	}
	p := r.pool
	*r = Resource{pool: p, released: true}
	if p != nil {
		p.outstanding.Add(-1)
		p.pool.Put(r)
	}
}

func (r *Resource) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.URL, r.Err)
	}
	kind := "file"
	if r.IsDir {
		kind = "dir"
	}
	return fmt.Sprintf("%s -> %s (%s, %d bytes, %s)", r.URL, r.Path, kind, r.Size, r.ContentType)
}

// Pool recycles Resources and counts the ones not yet released.
type Pool struct {
	pool        sync.Pool
	outstanding atomic.Int64
}

// Acquire returns a zeroed Resource for url.
func (p *Pool) Acquire(url string) *Resource {
	r, _ := p.pool.Get().(*Resource)
	if r == nil {
		r = new(Resource)
	}
	r.pool = p
	r.URL = url
	r.released = false
	p.outstanding.Add(1)
	return r
}

// Outstanding reports how many resources have been acquired but not released.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}
