// Package runtime binds the TCP listener that accepts client and peer
// connections, demultiplexes every frame read off them, and routes each
// decoded command to the worker that owns its sector index.
package runtime

import (
	"io"
	"net"
	"sync"

	"distributed-register/internal/executor"
	"distributed-register/internal/logging"
	"distributed-register/internal/metrics"
	"distributed-register/internal/register"
	"distributed-register/internal/wire"
)

// Runtime owns the listener and the W register workers sharding the
// sector index space.
type Runtime struct {
	codec     *wire.Codec
	maxSector uint64
	workers   []*executor.ModuleRef[register.Worker]
	log       *logging.Logger
	metrics   *metrics.Registry

	mu       sync.Mutex
	listener net.Listener
}

// New builds a Runtime. workers must be indexed so that workers[idx % W]
// owns sector idx, matching the sectors manager's own shard(idx) formula.
func New(codec *wire.Codec, maxSector uint64, workers []*executor.ModuleRef[register.Worker]) *Runtime {
	return &Runtime{codec: codec, maxSector: maxSector, workers: workers, log: logging.New("runtime")}
}

// WithMetrics attaches a metrics registry that auth failures (both client
// and system frames) are reported to.
func (rt *Runtime) WithMetrics(m *metrics.Registry) *Runtime {
	rt.metrics = m
	return rt
}

func (rt *Runtime) workerFor(idx uint64) *executor.ModuleRef[register.Worker] {
	return rt.workers[idx%uint64(len(rt.workers))]
}

// ListenAndServe binds addr and accepts connections until Close is
// called, at which point Accept's error causes this method to return nil.
func (rt *Runtime) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	rt.listener = ln
	rt.mu.Unlock()

	rt.log.Infof("listening on %s", addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			rt.mu.Lock()
			closed := rt.listener == nil
			rt.mu.Unlock()
			if closed {
				return nil
			}
			rt.log.Errorf("accept: %v", err)
			return err
		}
		go rt.serveConn(conn)
	}
}

// Close stops accepting new connections. In-flight connections are left
// to drain on their own.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	ln := rt.listener
	rt.listener = nil
	rt.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// serveConn demultiplexes every frame on conn for as long as it stays
// open, forwarding client commands with a response writer and system
// commands with none.
func (rt *Runtime) serveConn(conn net.Conn) {
	defer conn.Close()
	writeMu := &sync.Mutex{}

	for {
		cmd, authenticated, err := rt.codec.Deserialize(conn)
		if err != nil {
			if err != io.EOF {
				rt.log.Debugf("connection closed: %v", err)
			}
			return
		}
		rt.dispatch(conn, writeMu, cmd, authenticated)
	}
}

func (rt *Runtime) dispatch(conn net.Conn, writeMu *sync.Mutex, cmd wire.Command, authenticated bool) {
	switch {
	case cmd.Read != nil:
		rt.handleClientRead(conn, writeMu, cmd.Read, authenticated)

	case cmd.Write != nil:
		rt.handleClientWrite(conn, writeMu, cmd.Write, authenticated)

	case cmd.ReadProc != nil, cmd.Value != nil, cmd.WriteProc != nil, cmd.Ack != nil:
		if !authenticated {
			rt.metrics.IncAuthFailure()
			return // system frames with a bad HMAC are silently dropped
		}
		idx := systemSectorIdx(cmd)
		if idx >= rt.maxSector {
			return
		}
		executor.Send(rt.workerFor(idx), register.SystemFrame{Cmd: cmd})

	default:
		rt.log.Errorf("dropped frame with no recognized command")
	}
}

func systemSectorIdx(cmd wire.Command) uint64 {
	switch {
	case cmd.ReadProc != nil:
		return cmd.ReadProc.SectorIdx
	case cmd.Value != nil:
		return cmd.Value.SectorIdx
	case cmd.WriteProc != nil:
		return cmd.WriteProc.SectorIdx
	case cmd.Ack != nil:
		return cmd.Ack.SectorIdx
	default:
		return 0
	}
}

func (rt *Runtime) writeResponse(conn net.Conn, writeMu *sync.Mutex, frame []byte) {
	writeMu.Lock()
	defer writeMu.Unlock()
	if _, err := conn.Write(frame); err != nil {
		rt.log.Debugf("write response: %v", err)
	}
}

func (rt *Runtime) handleClientRead(conn net.Conn, writeMu *sync.Mutex, read *wire.ReadCmd, authenticated bool) {
	respond := func(status byte, data [wire.SectorSize]byte) {
		frame, err := rt.codec.Serialize(wire.Command{ReadResponse: &wire.ReadResponseCmd{Status: status, RequestID: read.RequestID, Data: data}})
		if err != nil {
			rt.log.Errorf("serialize ReadResponse: %v", err)
			return
		}
		rt.writeResponse(conn, writeMu, frame)
	}

	if !authenticated {
		rt.metrics.IncAuthFailure()
		respond(wire.StatusAuthFailure, [wire.SectorSize]byte{})
		return
	}
	if read.SectorIdx >= rt.maxSector {
		respond(wire.StatusInvalidSectorIndex, [wire.SectorSize]byte{})
		return
	}

	executor.Send(rt.workerFor(read.SectorIdx), register.ClientRead{
		RequestID: read.RequestID,
		SectorIdx: read.SectorIdx,
		Respond: func(resp wire.ReadResponseCmd) {
			respond(resp.Status, resp.Data)
		},
	})
}

func (rt *Runtime) handleClientWrite(conn net.Conn, writeMu *sync.Mutex, write *wire.WriteCmd, authenticated bool) {
	respond := func(status byte) {
		frame, err := rt.codec.Serialize(wire.Command{WriteResponse: &wire.WriteResponseCmd{Status: status, RequestID: write.RequestID}})
		if err != nil {
			rt.log.Errorf("serialize WriteResponse: %v", err)
			return
		}
		rt.writeResponse(conn, writeMu, frame)
	}

	if !authenticated {
		rt.metrics.IncAuthFailure()
		respond(wire.StatusAuthFailure)
		return
	}
	if write.SectorIdx >= rt.maxSector {
		respond(wire.StatusInvalidSectorIndex)
		return
	}

	executor.Send(rt.workerFor(write.SectorIdx), register.ClientWrite{
		RequestID: write.RequestID,
		SectorIdx: write.SectorIdx,
		Data:      write.Data,
		Respond: func(resp wire.WriteResponseCmd) {
			respond(resp.Status)
		},
	})
}
