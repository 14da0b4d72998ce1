// Package receiver implements the per-user IPC endpoint of inputbridged.
//
// A [Receiver] is bound to one console user. It listens on a unix socket
// owned by that user (a named pipe on Windows), accepts clients running as
// that user or as root, and lets them report key/value state into the status
// document. Replacing the console user means closing the Receiver and
// building a new one.
//
// Sessions use framed messages ([EncodeFrame]): the client opens with an
// OpHandshake carrying {"v":1,"pid":N}; the receiver answers READY or ERROR
// in an OpFrame and then serves commands until OpClose or disconnect.
package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"tools.zach/dev/inputbridge/internal/logger"
	"tools.zach/dev/inputbridge/internal/status"
)

// ProtocolVersion is the handshake version the receiver speaks.
const ProtocolVersion = 1

// handshakeTimeout bounds how long a new client may take to handshake.
const handshakeTimeout = 5 * time.Second

// Close and error codes sent to clients.
const (
	codeBadHandshake = 4000
	codeForbidden    = 4001
	codeBadCommand   = 4002
	codeTooMany      = 4003
)

// ErrClosed is returned when operating on a closed Receiver.
var ErrClosed = errors.New("receiver closed")

// errTooMany is returned by serve when MaxConnections is reached.
var errTooMany = errors.New("too many connections")

// ///////////////////////////////////////////////
// Configuration
// ///////////////////////////////////////////////

// Config describes the transport of a Receiver.
type Config struct {
	// SocketDir holds the socket on unix systems.
	SocketDir string
	// SocketName is the socket file name. Windows uses a per-uid named pipe.
	SocketName string
	// MaxConnections caps concurrent clients. Zero means unlimited.
	MaxConnections int
	// AcceptRate limits accepted connections per second. Zero disables limiting.
	AcceptRate float64
	// AcceptBurst is the limiter burst.
	AcceptBurst int
	// Logger receives diagnostics. Nil discards them.
	Logger *slog.Logger
}

// ///////////////////////////////////////////////
// Wire Types
// ///////////////////////////////////////////////

// handshake is the client's opening payload.
type handshake struct {
	V   int `json:"v"`
	PID int `json:"pid"`
}

// command is a client request carried in an OpFrame.
type command struct {
	Cmd   string          `json:"cmd"`
	Nonce string          `json:"nonce,omitempty"`
	Args  json.RawMessage `json:"args,omitempty"`
}

// reply answers a handshake or a command.
type reply struct {
	Cmd   string `json:"cmd,omitempty"`
	Nonce string `json:"nonce,omitempty"`
	Evt   string `json:"evt,omitempty"`
	UID   *UID   `json:"uid,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// errorData is the payload of an ERROR reply.
type errorData struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// reportArgs are the arguments of the "report" command.
type reportArgs struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// UID is an operating-system user id. Zero is root, used when no console
// user is present.
type UID = uint32

// ///////////////////////////////////////////////
// Receiver
// ///////////////////////////////////////////////

// Receiver serves clients of one console user.
type Receiver struct {
	cfg    Config
	uid    UID
	status *status.Handle
	log    *slog.Logger

	ln      net.Listener
	addr    string
	limiter *rate.Limiter

	// peerUID resolves a connection's peer credentials. ok is false when the
	// platform or transport cannot tell.
	peerUID func(net.Conn) (uid UID, ok bool)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// New opens the endpoint for uid and starts accepting clients. A released or
// nil status handle is allowed; reports are then dropped.
func New(cfg Config, uid UID, h *status.Handle) (*Receiver, error) {
	r := newReceiver(cfg, uid, h)

	ln, addr, err := listen(cfg, uid)
	if err != nil {
		r.cancel()
		return nil, fmt.Errorf("open receiver endpoint for uid %d: %w", uid, err)
	}
	r.ln = ln
	r.addr = addr

	h.Do(func(w *status.Writer) { _ = w.SetConsoleUser(uid) })
	r.log.Info("receiver listening", "addr", addr)

	r.wg.Add(1)
	go r.acceptLoop()
	return r, nil
}

// newReceiver builds a Receiver without a listener.
func newReceiver(cfg Config, uid UID, h *status.Handle) *Receiver {
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	r := &Receiver{
		cfg:     cfg,
		uid:     uid,
		status:  h,
		log:     log.With("uid", uid),
		peerUID: peerCredentials,
		conns:   make(map[net.Conn]struct{}),
	}
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// UID returns the user the Receiver is bound to.
func (r *Receiver) UID() UID {
	return r.uid
}

// Addr returns the socket path or pipe name.
func (r *Receiver) Addr() string {
	return r.addr
}

// Clients returns the number of connected clients.
func (r *Receiver) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Close stops accepting, disconnects every client and waits for their
// goroutines. The endpoint is removed. Close is idempotent.
func (r *Receiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for c := range r.conns {
		c.Close()
	}
	r.mu.Unlock()

	r.cancel()
	var err error
	if r.ln != nil {
		if closeErr := r.ln.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			err = fmt.Errorf("closing listener: %w", closeErr)
		}
	}
	r.wg.Wait()
	cleanup(r.addr)
	r.log.Info("receiver closed")
	return err
}

// ///////////////////////////////////////////////
// Accept Loop
// ///////////////////////////////////////////////

func (r *Receiver) acceptLoop() {
	defer r.wg.Done()
	for {
		if r.limiter != nil {
			if err := r.limiter.Wait(r.ctx); err != nil {
				return
			}
		}
		conn, err := r.ln.Accept()
		if err != nil {
			if r.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			r.log.Warn("accept failed", "error", err)
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if err := r.serve(conn); errors.Is(err, ErrClosed) {
			return
		}
	}
}

// serve registers conn and handles it on its own goroutine. Connections over
// the limit or arriving after Close are turned away.
func (r *Receiver) serve(conn net.Conn) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	if r.cfg.MaxConnections > 0 && len(r.conns) >= r.cfg.MaxConnections {
		r.mu.Unlock()
		r.log.Warn("connection limit reached", "max", r.cfg.MaxConnections)
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = WriteJSON(conn, OpClose, errorData{Code: codeTooMany, Message: "too many connections"})
		conn.Close()
		return errTooMany
	}
	r.conns[conn] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer r.drop(conn)
		r.handle(conn)
	}()
	return nil
}

func (r *Receiver) drop(conn net.Conn) {
	conn.Close()
	r.mu.Lock()
	delete(r.conns, conn)
	r.mu.Unlock()
}

// ///////////////////////////////////////////////
// Session
// ///////////////////////////////////////////////

// handle runs one client session.
func (r *Receiver) handle(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	pid, err := r.handshake(conn)
	if err != nil {
		r.log.Debug("handshake failed", "error", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	r.addClients(1)
	defer r.addClients(-1)

	log := r.log.With("pid", pid)
	log.Debug("client connected")
	defer log.Debug("client disconnected")

	for {
		op, payload, err := DecodeFrame(conn)
		if err != nil {
			return
		}
		switch op {
		case OpPing:
			if err := WriteFrame(conn, OpPong, payload); err != nil {
				return
			}
		case OpFrame:
			if err := r.command(conn, payload, log); err != nil {
				return
			}
		case OpClose:
			return
		default:
			_ = WriteJSON(conn, OpClose, errorData{Code: codeBadCommand, Message: fmt.Sprintf("unexpected opcode %d", op)})
			return
		}
	}
}

// handshake validates the opening frame and the peer's identity, and sends
// READY. A rejected client receives an ERROR frame.
func (r *Receiver) handshake(conn net.Conn) (int, error) {
	op, payload, err := DecodeFrame(conn)
	if err != nil {
		return 0, err
	}
	var hs handshake
	if op != OpHandshake || json.Unmarshal(payload, &hs) != nil || hs.V != ProtocolVersion {
		_ = r.replyError(conn, "", "", codeBadHandshake, "invalid handshake")
		return 0, fmt.Errorf("invalid handshake (opcode %d)", op)
	}

	if peer, ok := r.peerUID(conn); ok && peer != r.uid && peer != 0 {
		_ = r.replyError(conn, "", "", codeForbidden, "peer is not the console user")
		return 0, fmt.Errorf("peer uid %d rejected", peer)
	}

	uid := r.uid
	if err := WriteJSON(conn, OpFrame, reply{Evt: "READY", UID: &uid}); err != nil {
		return 0, err
	}
	return hs.PID, nil
}

// command executes one client command and writes its reply. Only transport
// errors are returned; malformed commands get an ERROR reply.
func (r *Receiver) command(conn net.Conn, payload []byte, log *slog.Logger) error {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return r.replyError(conn, "", "", codeBadCommand, "malformed command")
	}

	switch cmd.Cmd {
	case "ping":
		uid := r.uid
		return WriteJSON(conn, OpFrame, reply{Cmd: cmd.Cmd, Nonce: cmd.Nonce, Evt: "PONG", UID: &uid})

	case "report":
		var args reportArgs
		if err := json.Unmarshal(cmd.Args, &args); err != nil || args.Key == "" {
			return r.replyError(conn, cmd.Cmd, cmd.Nonce, codeBadCommand, "report needs a key")
		}
		stored := false
		r.status.Do(func(w *status.Writer) {
			if err := w.Report(args.Key, args.Value); err != nil {
				log.Warn("report not stored", "key", args.Key, "error", err)
				return
			}
			stored = true
		})
		logger.Trace(log, "client report", "key", args.Key, "stored", stored)
		return WriteJSON(conn, OpFrame, reply{Cmd: cmd.Cmd, Nonce: cmd.Nonce, Data: map[string]bool{"stored": stored}})

	default:
		return r.replyError(conn, cmd.Cmd, cmd.Nonce, codeBadCommand, fmt.Sprintf("unknown command %q", cmd.Cmd))
	}
}

func (r *Receiver) replyError(conn net.Conn, cmd, nonce string, code int, msg string) error {
	return WriteJSON(conn, OpFrame, reply{Cmd: cmd, Nonce: nonce, Evt: "ERROR", Data: errorData{Code: code, Message: msg}})
}

func (r *Receiver) addClients(delta int) {
	r.status.Do(func(w *status.Writer) { _ = w.AddClients(delta) })
}
