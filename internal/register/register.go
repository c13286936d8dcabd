// Package register implements the per-sector atomic register state
// machine: the (N, N) variant of the ABD algorithm with read-impose,
// write-majority semantics. A Worker owns a disjoint subset of sectors
// (idx mod W == worker id) and runs as a single executor module, so the
// handlers below never need a lock; the executor guarantees at most one
// message is in flight per worker at a time, and within that, sector
// state is only ever touched by its own worker.
package register

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"distributed-register/internal/executor"
	"distributed-register/internal/logging"
	"distributed-register/internal/metrics"
	"distributed-register/internal/registryclient"
	"distributed-register/internal/sectors"
	"distributed-register/internal/storage"
	"distributed-register/internal/wire"
)

// ClientRead is a client Read command routed to the worker owning
// SectorIdx. Respond is called exactly once with the completed response.
type ClientRead struct {
	RequestID uint64
	SectorIdx uint64
	Respond   func(wire.ReadResponseCmd)
}

// ClientWrite is a client Write command routed to the worker owning
// SectorIdx. Respond is called exactly once with the completed response.
type ClientWrite struct {
	RequestID uint64
	SectorIdx uint64
	Data      [wire.SectorSize]byte
	Respond   func(wire.WriteResponseCmd)
}

// SystemFrame wraps one decoded peer-to-peer command (ReadProc, Value,
// WriteProc, or Ack) on its way to the worker owning its sector.
type SystemFrame struct {
	Cmd wire.Command
}

// valueTuple is a (timestamp, write_rank, data) triple as carried in a
// readlist entry; triples are totally ordered lexicographically on
// (timestamp, write_rank), unlike a vector clock's partial order, so the
// "highest" entry is always uniquely determined.
type valueTuple struct {
	ts   uint64
	wr   byte
	data [wire.SectorSize]byte
}

func (a valueTuple) higherThan(b valueTuple) bool {
	if a.ts != b.ts {
		return a.ts > b.ts
	}
	return a.wr > b.wr
}

// sectorState is the full ABD state for one (process, sector) pair.
type sectorState struct {
	ts  uint64
	wr  byte
	val [wire.SectorSize]byte

	rid uint64

	reading    bool
	writing    bool
	writePhase bool

	readval  [wire.SectorSize]byte
	writeval [wire.SectorSize]byte

	readlist map[byte]valueTuple
	acklist  map[byte]bool

	pendingRequestID uint64
	respondRead      func(wire.ReadResponseCmd)
	respondWrite     func(wire.WriteResponseCmd)

	phaseStart time.Time
}

func newSectorState() *sectorState {
	return &sectorState{readlist: make(map[byte]valueTuple), acklist: make(map[byte]bool)}
}

func (s *sectorState) resetPhaseState() {
	s.readlist = make(map[byte]valueTuple)
	s.acklist = make(map[byte]bool)
}

// Worker owns every sector with idx mod totalWorkers == ID and runs as a
// single executor module.
type Worker struct {
	ID           uint64
	totalWorkers uint64
	n            int // number of processes in the deployment
	selfRank     byte

	sectorsMgr *sectors.Manager
	metaStore  *storage.Store
	client     *registryclient.Client
	log        *logging.Logger
	metrics    *metrics.Registry

	sectorStates map[uint64]*sectorState
}

// NewWorker builds a Worker. n is the total number of processes; selfRank
// is this process's 1-based rank.
func NewWorker(id, totalWorkers uint64, n int, selfRank byte, sectorsMgr *sectors.Manager, metaStore *storage.Store, client *registryclient.Client) *Worker {
	return &Worker{
		ID:           id,
		totalWorkers: totalWorkers,
		n:            n,
		selfRank:     selfRank,
		sectorsMgr:   sectorsMgr,
		metaStore:    metaStore,
		client:       client,
		log:          logging.New("register").With(fmt.Sprintf("worker=%d", id)),
		sectorStates: make(map[uint64]*sectorState),
	}
}

// WithMetrics attaches a metrics registry that phase latency and retry
// counts are reported to.
func (w *Worker) WithMetrics(m *metrics.Registry) *Worker {
	w.metrics = m
	return w
}

// RegisterWorker adds w to sys and binds every handler it reacts to,
// returning a ref callers use to route ClientRead/ClientWrite/SystemFrame
// messages and to drive its retry Tick.
func RegisterWorker(sys *executor.System, w *Worker) *executor.ModuleRef[Worker] {
	ref := executor.RegisterModule(sys, w, fmt.Sprintf("register-worker-%d", w.ID))
	executor.Bind(ref, handleClientRead)
	executor.Bind(ref, handleClientWrite)
	executor.Bind(ref, handleSystemFrame)
	executor.Bind(ref, handleTick)
	return ref
}

func ridKey(idx uint64) string {
	return fmt.Sprintf("rid-%d", idx)
}

// state returns the recovered sectorState for idx, loading (ts, wr, val)
// from the sectors manager and rid from metadata storage the first time idx is
// touched. Any in-flight phase flags from a previous process lifetime are
// never reconstructed: a fresh process always starts a sector idle, so
// messages carrying a stale rid are rejected by the rid guards below and
// clients simply retry.
func (w *Worker) state(idx uint64) *sectorState {
	s, ok := w.sectorStates[idx]
	if ok {
		return s
	}
	s = newSectorState()

	ts, wr, err := w.sectorsMgr.ReadMetadata(idx)
	if err != nil {
		w.log.Errorf("recover metadata for sector %d: %v", idx, err)
	} else {
		s.ts, s.wr = ts, wr
	}
	if data, err := w.sectorsMgr.ReadData(idx); err != nil {
		w.log.Errorf("recover data for sector %d: %v", idx, err)
	} else {
		s.val = data
	}

	if raw, found, err := w.metaStore.Get(ridKey(idx)); err != nil {
		w.log.Errorf("recover rid for sector %d: %v", idx, err)
	} else if found && len(raw) == 8 {
		s.rid = binary.BigEndian.Uint64(raw)
	}

	w.sectorStates[idx] = s
	return s
}

func (w *Worker) persistRid(idx uint64, rid uint64) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, rid)
	if err := w.metaStore.Put(ridKey(idx), buf); err != nil {
		w.log.Errorf("persist rid for sector %d: %v", idx, err)
	}
}

func (w *Worker) majority() int {
	return w.n/2 + 1
}

// handleClientRead starts a read phase for SectorIdx: bump rid, persist
// it, clear phase state, broadcast ReadProc.
func handleClientRead(_ context.Context, w *Worker, msg ClientRead) {
	s := w.state(msg.SectorIdx)

	s.rid++
	w.persistRid(msg.SectorIdx, s.rid)
	s.resetPhaseState()
	s.reading = true
	s.writing = false
	s.writePhase = false
	s.pendingRequestID = msg.RequestID
	s.respondRead = msg.Respond
	s.phaseStart = time.Now()

	w.client.Broadcast(wire.Command{
		ReadProc: &wire.ReadProcCmd{MsgUUID: wire.NewMsgUUID(), ReadIdent: s.rid, SectorIdx: msg.SectorIdx},
	})
}

// handleClientWrite starts a write phase for SectorIdx.
func handleClientWrite(_ context.Context, w *Worker, msg ClientWrite) {
	s := w.state(msg.SectorIdx)

	s.rid++
	w.persistRid(msg.SectorIdx, s.rid)
	s.writeval = msg.Data
	s.resetPhaseState()
	s.reading = false
	s.writing = true
	s.writePhase = false
	s.pendingRequestID = msg.RequestID
	s.respondWrite = msg.Respond
	s.phaseStart = time.Now()

	w.client.Broadcast(wire.Command{
		ReadProc: &wire.ReadProcCmd{MsgUUID: wire.NewMsgUUID(), ReadIdent: s.rid, SectorIdx: msg.SectorIdx},
	})
}

func handleSystemFrame(_ context.Context, w *Worker, msg SystemFrame) {
	cmd := msg.Cmd
	switch {
	case cmd.ReadProc != nil:
		onReadProc(w, cmd.ProcessIdentifier, cmd.ReadProc)
	case cmd.Value != nil:
		onValue(w, cmd.ProcessIdentifier, cmd.Value)
	case cmd.WriteProc != nil:
		onWriteProc(w, cmd.ProcessIdentifier, cmd.WriteProc)
	case cmd.Ack != nil:
		onAck(w, cmd.ProcessIdentifier, cmd.Ack)
	}
}

// onReadProc answers every ReadProc unconditionally with the sector's
// current (ts, wr, val), regardless of this worker's own phase.
func onReadProc(w *Worker, sender byte, cmd *wire.ReadProcCmd) {
	s := w.state(cmd.SectorIdx)
	w.client.Send(sender, wire.Command{
		Value: &wire.ValueCmd{
			MsgUUID:   cmd.MsgUUID,
			ReadIdent: cmd.ReadIdent,
			SectorIdx: cmd.SectorIdx,
			Timestamp: s.ts,
			WriteRank: s.wr,
			Data:      s.val,
		},
	})
}

// onValue folds one peer's (ts, wr, val) into the readlist and, once a
// majority has replied during an open read or write phase, advances to
// the write-impose phase.
func onValue(w *Worker, sender byte, cmd *wire.ValueCmd) {
	s := w.state(cmd.SectorIdx)
	if cmd.ReadIdent != s.rid || s.writePhase {
		return
	}

	s.readlist[sender] = valueTuple{ts: cmd.Timestamp, wr: cmd.WriteRank, data: cmd.Data}

	if len(s.readlist) <= w.majority()-1 || !(s.reading || s.writing) {
		return
	}
	s.readlist[w.selfRank] = valueTuple{ts: s.ts, wr: s.wr, data: s.val}

	highest := highestOf(s.readlist)
	s.readval = highest.data

	s.resetPhaseState()
	s.writePhase = true

	if s.reading {
		w.client.Broadcast(wire.Command{
			WriteProc: &wire.WriteProcCmd{
				MsgUUID: wire.NewMsgUUID(), ReadIdent: s.rid, SectorIdx: cmd.SectorIdx,
				Timestamp: highest.ts, WriteRank: highest.wr, Data: highest.data,
			},
		})
		return
	}

	newTS := highest.ts + 1
	s.ts, s.wr, s.val = newTS, w.selfRank, s.writeval
	if err := w.sectorsMgr.Write(cmd.SectorIdx, s.val, s.ts, s.wr); err != nil {
		w.log.Errorf("persist sector %d: %v", cmd.SectorIdx, err)
	}
	w.client.Broadcast(wire.Command{
		WriteProc: &wire.WriteProcCmd{
			MsgUUID: wire.NewMsgUUID(), ReadIdent: s.rid, SectorIdx: cmd.SectorIdx,
			Timestamp: s.ts, WriteRank: s.wr, Data: s.writeval,
		},
	})
}

// onWriteProc adopts (ts', wr') if strictly higher than what's locally
// held, then always acknowledges.
func onWriteProc(w *Worker, sender byte, cmd *wire.WriteProcCmd) {
	s := w.state(cmd.SectorIdx)

	incoming := valueTuple{ts: cmd.Timestamp, wr: cmd.WriteRank, data: cmd.Data}
	current := valueTuple{ts: s.ts, wr: s.wr}
	if incoming.higherThan(current) {
		s.ts, s.wr, s.val = cmd.Timestamp, cmd.WriteRank, cmd.Data
		if err := w.sectorsMgr.Write(cmd.SectorIdx, s.val, s.ts, s.wr); err != nil {
			w.log.Errorf("persist sector %d: %v", cmd.SectorIdx, err)
		}
	}

	w.client.Send(sender, wire.Command{
		Ack: &wire.AckCmd{MsgUUID: cmd.MsgUUID, ReadIdent: cmd.ReadIdent, SectorIdx: cmd.SectorIdx},
	})
}

// onAck completes the operation once a majority of Acks arrive during an
// open write-impose phase.
func onAck(w *Worker, sender byte, cmd *wire.AckCmd) {
	s := w.state(cmd.SectorIdx)
	if cmd.ReadIdent != s.rid || !s.writePhase {
		return
	}

	s.acklist[sender] = true
	if len(s.acklist) <= w.majority()-1 || !(s.reading || s.writing) {
		return
	}

	s.resetPhaseState()
	s.writePhase = false

	if s.reading {
		s.reading = false
		if s.respondRead != nil {
			w.metrics.ObservePhaseLatency("read", time.Since(s.phaseStart).Seconds())
			s.respondRead(wire.ReadResponseCmd{Status: wire.StatusOK, RequestID: s.pendingRequestID, Data: s.readval})
			s.respondRead = nil
		}
		return
	}

	s.writing = false
	if s.respondWrite != nil {
		w.metrics.ObservePhaseLatency("write", time.Since(s.phaseStart).Seconds())
		s.respondWrite(wire.WriteResponseCmd{Status: wire.StatusOK, RequestID: s.pendingRequestID})
		s.respondWrite = nil
	}
}

// handleTick re-sends ReadProc or WriteProc for every sector this worker
// has an open phase on, targeting only the peers that have not yet
// replied (missing from readlist during read-impose, or from acklist
// during write-impose) instead of every peer in the deployment. Retries
// are driven purely by this unanswered-phase resend, as required of the
// register client.
func handleTick(_ context.Context, w *Worker, _ executor.Tick) {
	ranks := w.client.Ranks()
	for idx, s := range w.sectorStates {
		switch {
		case s.writePhase:
			var missing []byte
			for _, r := range ranks {
				if !s.acklist[r] {
					missing = append(missing, r)
				}
			}
			if len(missing) == 0 {
				continue
			}
			w.metrics.IncRetry(retryOp(s))
			cmd := wire.Command{
				WriteProc: &wire.WriteProcCmd{
					MsgUUID: wire.NewMsgUUID(), ReadIdent: s.rid, SectorIdx: idx,
					Timestamp: s.ts, WriteRank: s.wr, Data: s.val,
				},
			}
			for _, r := range missing {
				w.client.Send(r, cmd)
			}

		case s.reading || s.writing:
			var missing []byte
			for _, r := range ranks {
				if _, acked := s.readlist[r]; !acked {
					missing = append(missing, r)
				}
			}
			if len(missing) == 0 {
				continue
			}
			w.metrics.IncRetry(retryOp(s))
			cmd := wire.Command{ReadProc: &wire.ReadProcCmd{MsgUUID: wire.NewMsgUUID(), ReadIdent: s.rid, SectorIdx: idx}}
			for _, r := range missing {
				w.client.Send(r, cmd)
			}
		}
	}
}

func retryOp(s *sectorState) string {
	if s.reading {
		return "read"
	}
	return "write"
}

func highestOf(readlist map[byte]valueTuple) valueTuple {
	var best valueTuple
	first := true
	for _, v := range readlist {
		if first || v.higherThan(best) {
			best = v
			first = false
		}
	}
	return best
}
