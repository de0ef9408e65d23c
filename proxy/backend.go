package proxy

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/undermoon-go/server-proxy/cmn"
	"github.com/undermoon-go/server-proxy/respproto"
)

// pendingCall is one in-flight command waiting for its reply, matched to
// the writer goroutine's read loop by arrival order (RESP2 pipelines are
// strictly FIFO, same as every real Redis connection).
type pendingCall struct {
	args   [][]byte
	asking bool
	reply  chan callResult
}

type callResult struct {
	value respproto.Value
	err   error
}

// BackendSender owns one TCP connection (and its reconnect loop) to a
// backend Redis node, serializing every command through a bounded queue so
// concurrent sessions can share it the way radix.v2's pooled connections do,
// without needing a full connection-per-request pool.
type BackendSender struct {
	address string
	cfg     SenderConfig

	mu     sync.Mutex
	conn   net.Conn
	rw     *bufio.ReadWriter
	closed bool
	queue  chan *pendingCall
	cancel context.CancelFunc
}

// SenderConfig bundles the dial/backoff/queue parameters pulled from
// cmn.Config so BackendRegistry doesn't need to know about viper.
type SenderConfig struct {
	DialTimeout   time.Duration
	QueueSize     int
	BackoffMin    time.Duration
	BackoffMax    time.Duration
}

// NewBackendSender creates a sender and starts its connection-owning
// goroutine; the goroutine redials with exponential backoff whenever the
// connection drops, matching the teacher's reconnect-on-failure pattern.
func NewBackendSender(address string, cfg SenderConfig) *BackendSender {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &BackendSender{
		address: address,
		cfg:     cfg,
		queue:   make(chan *pendingCall, cfg.QueueSize),
		cancel:  cancel,
	}
	go s.run(ctx)
	return s
}

// WithASKING returns a BackendExecutor that prefixes every command with
// ASKING before sending it over this same connection, for use against an
// Importing-tagged destination node. It shares the sender's connection and
// queue rather than cloning sender state, so no lock is copied.
func (s *BackendSender) WithASKING() BackendExecutor {
	return askingExecutor{s}
}

type askingExecutor struct {
	sender *BackendSender
}

func (a askingExecutor) Execute(ctx context.Context, args [][]byte) (respproto.Value, error) {
	return a.sender.executeCall(ctx, args, true)
}

func (s *BackendSender) run(ctx context.Context) {
	backoff := s.cfg.BackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn, err := net.DialTimeout("tcp", s.address, s.cfg.DialTimeout)
		if err != nil {
			if !s.sleepBackoff(ctx, &backoff) {
				return
			}
			continue
		}
		backoff = s.cfg.BackoffMin
		s.mu.Lock()
		s.conn = conn
		s.rw = bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
		s.mu.Unlock()

		s.serve(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		s.rw = nil
		s.mu.Unlock()
	}
}

func (s *BackendSender) sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(*backoff):
	}
	*backoff *= 2
	if *backoff > s.cfg.BackoffMax {
		*backoff = s.cfg.BackoffMax
	}
	return true
}

// serve drains the queue onto the live connection until it breaks or ctx is
// canceled. The command whose round trip failed gets the error; commands
// still in the queue stay there and are sent once run has redialed. Failed
// commands are not retried.
func (s *BackendSender) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case call := <-s.queue:
			if err := s.roundTrip(call); err != nil {
				call.reply <- callResult{err: cmn.Wrap(err, "backend round trip")}
				return
			}
		}
	}
}

func (s *BackendSender) roundTrip(call *pendingCall) error {
	s.mu.Lock()
	rw := s.rw
	s.mu.Unlock()
	if rw == nil {
		return errors.New("no connection")
	}

	args := call.args
	if call.asking {
		askingCmd := [][]byte{[]byte("ASKING")}
		if _, err := rw.Write(respproto.EncodeCommand(askingCmd)); err != nil {
			return err
		}
		if err := rw.Flush(); err != nil {
			return err
		}
		if _, err := respproto.Decode(rw.Reader); err != nil {
			return err
		}
	}

	if _, err := rw.Write(respproto.EncodeCommand(args)); err != nil {
		return err
	}
	if err := rw.Flush(); err != nil {
		return err
	}
	v, err := respproto.Decode(rw.Reader)
	if err != nil {
		return err
	}
	call.reply <- callResult{value: v}
	return nil
}

// Execute enqueues args and blocks for its reply or ctx cancellation.
func (s *BackendSender) Execute(ctx context.Context, args [][]byte) (respproto.Value, error) {
	return s.executeCall(ctx, args, false)
}

func (s *BackendSender) executeCall(ctx context.Context, args [][]byte, asking bool) (respproto.Value, error) {
	call := &pendingCall{args: args, asking: asking, reply: make(chan callResult, 1)}
	select {
	case s.queue <- call:
	case <-ctx.Done():
		return respproto.Value{}, ctx.Err()
	}
	select {
	case res := <-call.reply:
		return res.value, res.err
	case <-ctx.Done():
		return respproto.Value{}, ctx.Err()
	}
}

// Close stops the sender's goroutine, closes its connection, and fails every
// command still in the queue with BackendUnavailable.
func (s *BackendSender) Close() {
	s.cancel()
	s.mu.Lock()
	s.closed = true
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	for {
		select {
		case call := <-s.queue:
			call.reply <- callResult{err: cmn.NewError(cmn.KindBackendUnavailable, "backend %s closed", s.address)}
		default:
			return
		}
	}
}

// BackendRegistry is the proxy-wide map of address to BackendSender,
// created lazily so the metadata manager can hand out senders for any node
// name the current snapshot mentions without pre-provisioning every address
// up front.
type BackendRegistry struct {
	mu      sync.RWMutex
	senders map[string]*BackendSender
	cfg     SenderConfig
}

func NewBackendRegistry(cfg SenderConfig) *BackendRegistry {
	return &BackendRegistry{senders: make(map[string]*BackendSender), cfg: cfg}
}

// Get returns the sender for address, creating one on first use.
func (r *BackendRegistry) Get(address string) *BackendSender {
	r.mu.RLock()
	s, ok := r.senders[address]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.senders[address]; ok {
		return s
	}
	s = NewBackendSender(address, r.cfg)
	r.senders[address] = s
	return s
}

// Prune closes and removes every sender whose address isn't in keep,
// called after a topology change retires backend nodes.
func (r *BackendRegistry) Prune(keep map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr, s := range r.senders {
		if _, ok := keep[addr]; !ok {
			s.Close()
			delete(r.senders, addr)
		}
	}
}

// CloseAll closes every sender, used on shutdown.
func (r *BackendRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.senders {
		s.Close()
	}
	r.senders = make(map[string]*BackendSender)
}
