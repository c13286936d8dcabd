// Package registryclient is the transport half of peer-to-peer system
// messages: broadcasting a command to every process in the deployment
// and sending it to one in particular, over a pooled, auto-reconnecting
// TCP connection per directed peer pair. Delivery itself is at-least-once
// only in the sense that a caller may invoke Send/Broadcast again for the
// same logical attempt; this package does not retry on its own, the
// atomic register decides when an unanswered broadcast needs resending,
// driven by its own Tick.
package registryclient

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"distributed-register/internal/logging"
	"distributed-register/internal/wire"
)

// LocalHandler is invoked for a command addressed to this process's own
// rank, bypassing the network entirely.
type LocalHandler func(cmd wire.Command)

// Client fans system commands out to peers named by a fixed, 1-based
// ranked address list shared by the whole deployment.
type Client struct {
	codec      *wire.Codec
	selfRank   byte
	addresses  map[byte]string // rank -> host:port, excludes selfRank
	local      LocalHandler
	log        *logging.Logger

	mu    sync.Mutex
	conns map[byte]*pooledConn
}

type pooledConn struct {
	mu   sync.Mutex
	conn net.Conn
}

// New builds a Client. addresses maps every peer rank other than
// selfRank to its dial address; local is invoked instead for selfRank.
func New(codec *wire.Codec, selfRank byte, addresses map[byte]string, local LocalHandler) *Client {
	return &Client{
		codec:     codec,
		selfRank:  selfRank,
		addresses: addresses,
		local:     local,
		log:       logging.New("registryclient"),
		conns:     make(map[byte]*pooledConn),
	}
}

// Ranks returns every peer rank this client can address, including self.
func (c *Client) Ranks() []byte {
	ranks := make([]byte, 0, len(c.addresses)+1)
	ranks = append(ranks, c.selfRank)
	for r := range c.addresses {
		ranks = append(ranks, r)
	}
	return ranks
}

// Broadcast sends cmd to every process in the deployment, including this
// one (via local bypass), fanning the network sends out concurrently.
// Best-effort: a failed send to one peer does not prevent delivery to the
// others, so Broadcast itself never returns an error.
func (c *Client) Broadcast(cmd wire.Command) {
	c.Send(c.selfRank, cmd)

	var g errgroup.Group
	for rank := range c.addresses {
		rank := rank
		g.Go(func() error {
			c.Send(rank, cmd)
			return nil
		})
	}
	_ = g.Wait()
}

// Send delivers cmd to the named rank. A command addressed to selfRank
// bypasses the network; otherwise the frame is written to a pooled
// connection, reopened transparently on failure.
func (c *Client) Send(targetRank byte, cmd wire.Command) {
	cmd.ProcessIdentifier = c.selfRank

	if targetRank == c.selfRank {
		c.local(cmd)
		return
	}

	frame, err := c.codec.Serialize(cmd)
	if err != nil {
		c.log.Errorf("serialize command for rank %d: %v", targetRank, err)
		return
	}

	pc := c.connFor(targetRank)
	pc.mu.Lock()
	defer pc.mu.Unlock()

	conn, err := pc.ensure(c.addresses[targetRank])
	if err != nil {
		c.log.Debugf("connect to rank %d: %v", targetRank, err)
		return
	}
	if _, err := conn.Write(frame); err != nil {
		c.log.Debugf("write to rank %d: %v; dropping connection", targetRank, err)
		pc.reset()
	}
}

func (c *Client) connFor(rank byte) *pooledConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.conns[rank]
	if !ok {
		pc = &pooledConn{}
		c.conns[rank] = pc
	}
	return pc
}

// ensure returns the live connection, dialing fresh if none exists or the
// previous one was dropped. Must be called with pc.mu held.
func (pc *pooledConn) ensure(addr string) (net.Conn, error) {
	if pc.conn != nil {
		return pc.conn, nil
	}
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("registryclient: dial %s: %w", addr, err)
	}
	pc.conn = conn
	return conn, nil
}

// reset drops the current connection so the next send redials. Must be
// called with pc.mu held.
func (pc *pooledConn) reset() {
	if pc.conn != nil {
		pc.conn.Close()
		pc.conn = nil
	}
}
