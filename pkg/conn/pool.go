package conn

import (
	"container/list"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/happyfish100/fastdfs-sub015/pkg/proto"
)

// Conn is a pooled connection to one peer, ready to exchange frames.
type Conn struct {
	net.Conn
	Reader *proto.FrameReader

	pool    *Pool
	addr    string
	idleAt  time.Time
	invalid bool
}

// Invalidate marks the connection as unfit to return to the pool (e.g.
// after a protocol error or partial read); Release will close it
// instead of recycling it.
func (c *Conn) Invalidate() { c.invalid = true }

// Release returns the connection to its pool's free list, or closes it
// if it was invalidated or the pool is already full.
func (c *Conn) Release() {
	c.pool.release(c)
}

// Pool is a LIFO connection pool keyed by "host:port", mirroring the
// dial-reuse behavior a FastDFS client keeps per tracker/storage peer
// (connect_timeout/network_timeout govern each dial) rather than
// dialing fresh for every request. Grounded on the teacher's per-cluster
// dispatcher map in pump/server.go, generalized from a write-dispatch
// table to a dial pool.
type Pool struct {
	ConnectTimeout time.Duration
	NetworkTimeout time.Duration
	MaxIdle        int
	IdleTimeout    time.Duration

	mu   sync.Mutex
	free map[string]*list.List
	stop chan struct{}
}

type idleConn struct {
	c      *Conn
	idleAt time.Time
}

// NewPool returns a Pool and starts its background idle-reaper.
func NewPool(connectTimeout, networkTimeout, idleTimeout time.Duration, maxIdle int) *Pool {
	p := &Pool{
		ConnectTimeout: connectTimeout,
		NetworkTimeout: networkTimeout,
		MaxIdle:        maxIdle,
		IdleTimeout:    idleTimeout,
		free:           make(map[string]*list.List),
		stop:           make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

// Get returns the most recently released idle connection to addr if
// there is one, otherwise dials a new one. Get does not check idle age;
// expired connections are closed only by the background reaper.
func (p *Pool) Get(addr string) (*Conn, error) {
	p.mu.Lock()
	if l, ok := p.free[addr]; ok && l.Len() > 0 {
		e := l.Back()
		l.Remove(e)
		p.mu.Unlock()
		ic := e.Value.(idleConn)
		return ic.c, nil
	}
	p.mu.Unlock()

	nc, err := net.DialTimeout("tcp", addr, p.ConnectTimeout)
	if err != nil {
		return nil, errors.Annotatef(err, "conn: dial %s", addr)
	}
	return &Conn{
		Conn:   nc,
		Reader: proto.NewFrameReader(nc, proto.MaxBodyLen),
		pool:   p,
		addr:   addr,
	}, nil
}

func (p *Pool) release(c *Conn) {
	if c.invalid {
		c.Conn.Close()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.free[c.addr]
	if !ok {
		l = list.New()
		p.free[c.addr] = l
	}
	if l.Len() >= p.MaxIdle {
		p.mu.Unlock()
		c.Conn.Close()
		p.mu.Lock()
		return
	}
	c.idleAt = time.Now()
	l.PushBack(idleConn{c: c, idleAt: c.idleAt})
}

// Call writes a request frame to addr and reads back the response,
// returning a pooled connection to reuse on success. On any I/O error
// the connection is invalidated and closed, never returned to the pool
// (a half-read response leaves the stream unsynchronized).
func (p *Pool) Call(addr string, cmd byte, body []byte) (proto.Frame, *Conn, error) {
	c, err := p.Get(addr)
	if err != nil {
		return proto.Frame{}, nil, errors.Trace(err)
	}

	if p.NetworkTimeout > 0 {
		c.SetDeadline(time.Now().Add(p.NetworkTimeout))
	}
	if err := proto.WriteFrame(c.Conn, cmd, proto.StatusOK, body); err != nil {
		c.Invalidate()
		c.Release()
		return proto.Frame{}, nil, errors.Annotatef(err, "conn: write request to %s", addr)
	}

	resp, err := c.Reader.ReadFrame()
	if err != nil {
		c.Invalidate()
		c.Release()
		return proto.Frame{}, nil, errors.Annotatef(err, "conn: read response from %s", addr)
	}

	return resp, c, nil
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(p.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.free {
		var next *list.Element
		for e := l.Front(); e != nil; e = next {
			next = e.Next()
			ic := e.Value.(idleConn)
			if now.Sub(ic.idleAt) > p.IdleTimeout {
				l.Remove(e)
				ic.c.Conn.Close()
			}
		}
	}
}

// Close stops the reaper and closes every idle connection.
func (p *Pool) Close() {
	close(p.stop)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.free {
		for e := l.Front(); e != nil; e = e.Next() {
			e.Value.(idleConn).c.Conn.Close()
		}
	}
	p.free = make(map[string]*list.List)
}
