// Package executor is the actor runtime that hosts the register service's
// atomic-register workers as modules. The retry driver runs inside each
// worker as its Tick handler; the process runtime's connection handlers
// are plain goroutines, not modules.
//
// Big idea:
//
// Each registered module gets its own unbounded inbound queue and a single
// dedicated goroutine that drains it strictly one message at a time. A
// handler invocation always runs to completion, including anything it
// awaits, before the next message is dequeued. That serialization is what
// lets the atomic register's state machine (internal/register) mutate its
// per-sector state without a lock: only one goroutine, the module's own
// task, ever touches it.
//
// Modules are heterogeneous: a single module may react to several distinct
// message types (a register worker handles client reads and writes, peer
// frames, and Ticks). Go has no way to overload a method by
// parameter type, so dispatch is a small table built with Bind, keyed by
// message type, and resolved once at Send time into a closure (the
// "deliverable") that already knows which typed handler to call and with
// which module pointer. The queue itself only ever carries these opaque
// closures, never the raw message values.
package executor

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	channels "gopkg.in/eapache/channels.v1"

	"distributed-register/internal/logging"
)

// Tick is delivered to a module after RequestTick: once immediately, then
// once per interval until the system shuts down.
type Tick struct{}

// deliverable is the thunk stored in a module's queue: it already knows
// the module pointer and the message, so delivering it takes no further
// type information.
type deliverable func(ctx context.Context)

// moduleCore is the type-erased half of a registered module, the part
// System needs to track without knowing the module's concrete type.
type moduleCore struct {
	name   string
	queue  *channels.InfiniteChannel
	closed atomic.Bool
}

func newModuleCore(name string) *moduleCore {
	return &moduleCore{name: name, queue: channels.NewInfiniteChannel()}
}

// send enqueues d, silently discarding it if the module is already closed.
// Close and send can race; rather than serialize every send behind a lock,
// the close-then-write panic is recovered here. A handler must never
// observe a send failure, closed queue or otherwise.
func (c *moduleCore) send(d deliverable) {
	defer func() { _ = recover() }()
	if c.closed.Load() {
		return
	}
	c.queue.In() <- d
}

// run drains the module's queue one message at a time until either the
// queue is exhausted after Close, or the flag is observed set at the top
// of the loop. A message already pulled off the queue always runs to
// completion; nothing here ever cancels a handler mid-flight. That bounds
// delivery to at most one message per module after the flag is set: the
// one, if any, that was already in hand when the flag flipped.
func (c *moduleCore) run(ctx context.Context, shuttingDown *atomic.Bool, log *logging.Logger) {
	for {
		if shuttingDown.Load() {
			return
		}
		item, ok := <-c.queue.Out()
		if !ok {
			return
		}
		d, ok := item.(deliverable)
		if !ok {
			log.Errorf("module %s: dropped malformed queue item %T", c.name, item)
			continue
		}
		deliver(ctx, c.name, d, log)
	}
}

// deliver invokes d, recovering a panic so that a misbehaving handler
// terminates only its own module's task rather than the process.
func deliver(ctx context.Context, module string, d deliverable, log *logging.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("module %s: handler panic: %v", module, r)
		}
	}()
	d(ctx)
}

// System hosts a set of modules and owns the process-wide shutdown flag.
// The zero value is not usable; construct with NewSystem.
type System struct {
	mu           sync.Mutex
	modules      []*moduleCore
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	log          *logging.Logger
}

// NewSystem creates and starts a new, empty executor.
func NewSystem() *System {
	ctx, cancel := context.WithCancel(context.Background())
	return &System{ctx: ctx, cancel: cancel, log: logging.New("executor")}
}

// ModuleRef is a cheap, shareable handle used to send typed messages to a
// registered module. The zero value is not usable; obtain one from
// RegisterModule.
type ModuleRef[T any] struct {
	core   *moduleCore
	module *T

	mu       sync.RWMutex
	handlers map[reflect.Type]any
}

// RegisterModule adds module to sys and starts its dedicated task,
// returning a ref that can be used to Bind handlers and Send messages.
// Panics if sys is already shutting down; registering a new module after
// shutdown has begun is a programming error, not something callers are
// expected to recover from.
func RegisterModule[T any](sys *System, module *T, name string) *ModuleRef[T] {
	if sys.shuttingDown.Load() {
		panic("executor: RegisterModule called after shutdown")
	}
	core := newModuleCore(name)

	sys.mu.Lock()
	sys.modules = append(sys.modules, core)
	sys.mu.Unlock()

	ref := &ModuleRef[T]{core: core, module: module, handlers: make(map[reflect.Type]any)}

	sys.wg.Add(1)
	go func() {
		defer sys.wg.Done()
		core.run(sys.ctx, &sys.shuttingDown, sys.log)
	}()
	return ref
}

// Bind registers the handler invoked whenever a message of type M is sent
// to ref. Call Bind for every message type the module reacts to before
// the ModuleRef is shared with anything that might call Send; Bind itself
// is not synchronized against concurrent Send calls for the same M.
func Bind[T any, M any](ref *ModuleRef[T], fn func(ctx context.Context, module *T, msg M)) {
	ref.mu.Lock()
	defer ref.mu.Unlock()
	ref.handlers[messageType[M]()] = fn
}

// Send enqueues msg for delivery to ref's module. A handler must never
// observe an error from Send: a message with no Bind-registered handler,
// or sent to a module whose queue Shutdown has already closed, is simply
// dropped.
func Send[T any, M any](ref *ModuleRef[T], msg M) {
	ref.mu.RLock()
	raw, ok := ref.handlers[messageType[M]()]
	ref.mu.RUnlock()
	if !ok {
		return
	}
	fn := raw.(func(ctx context.Context, module *T, msg M))
	module := ref.module
	ref.core.send(func(ctx context.Context) {
		fn(ctx, module, msg)
	})
}

// RequestTick spawns a background emitter that sends a Tick to ref
// immediately and then every delay, until sys shuts down. Multiple tick
// schedules may coexist for the same module. Panics if sys is already
// shutting down.
func RequestTick[T any](sys *System, ref *ModuleRef[T], delay time.Duration) {
	if sys.shuttingDown.Load() {
		panic("executor: RequestTick called after shutdown")
	}
	go func() {
		Send(ref, Tick{})
		ticker := time.NewTicker(delay)
		defer ticker.Stop()
		for {
			select {
			case <-sys.ctx.Done():
				return
			case <-ticker.C:
				if sys.shuttingDown.Load() {
					return
				}
				Send(ref, Tick{})
			}
		}
	}()
}

// Shutdown sets the process-wide shutting-down flag, closes every
// module's inbound queue, and blocks until every module task has finished
// its in-flight handler, if any, and terminated.
func (sys *System) Shutdown() {
	sys.shuttingDown.Store(true)
	sys.cancel()

	sys.mu.Lock()
	cores := append([]*moduleCore(nil), sys.modules...)
	sys.mu.Unlock()

	for _, c := range cores {
		c.closed.Store(true)
		c.queue.Close()
	}
	sys.wg.Wait()
}

func messageType[M any]() reflect.Type {
	return reflect.TypeOf((*M)(nil)).Elem()
}
