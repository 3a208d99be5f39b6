package ist

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/mtereshkin/galago/internal/binario"
	"github.com/mtereshkin/galago/writeset"
)

type ReceiverConfig struct {
	// Logger defaults to a no-op logger.
	Logger kitlog.Logger

	// BindAddr is the address the receiver listens on. Port 0 selects an
	// ephemeral port. Defaults to 127.0.0.1:0.
	BindAddr string

	// AdvertiseHost, when set, replaces the bound host in the address
	// handed to the donor. The bound port is kept.
	AdvertiseHost string
}

func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		Logger:   kitlog.NewNopLogger(),
		BindAddr: "127.0.0.1:0",
	}
}

// Receiver accepts a single incremental transfer stream. Lifecycle:
// Prepare binds the listener and advertises the endpoint, Ready opens the
// gate for the incoming stream, Recv pulls write-sets in seqno order, and
// Finished tears everything down, reporting the last seqno received.
type Receiver struct {
	logger kitlog.Logger
	conf   ReceiverConfig

	ln          net.Listener
	first, last int64

	ready    chan struct{}
	out      chan *writeset.WriteSet
	errc     chan error
	done     chan struct{}
	lastRecv int64

	closeOnce sync.Once
	readyOnce sync.Once
}

func NewReceiver(conf ReceiverConfig) *Receiver {
	if conf.Logger == nil {
		conf.Logger = kitlog.NewNopLogger()
	}

	if conf.BindAddr == "" {
		conf.BindAddr = "127.0.0.1:0"
	}

	return &Receiver{
		logger: conf.Logger,
		conf:   conf,
		ready:  make(chan struct{}),
		out:    make(chan *writeset.WriteSet, 64),
		errc:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// Prepare binds the listener for the range [first, last] and returns the
// address to advertise in the transfer request.
func (r *Receiver) Prepare(first, last int64) (string, error) {
	if first > last {
		return "", fmt.Errorf("invalid ist range [%d, %d]", first, last)
	}

	ln, err := net.Listen("tcp", r.conf.BindAddr)
	if err != nil {
		return "", fmt.Errorf("bind ist receiver: %w", err)
	}

	r.ln = ln
	r.first = first
	r.last = last
	atomic.StoreInt64(&r.lastRecv, first-1)

	go r.acceptLoop()

	addr := ln.Addr().String()

	if r.conf.AdvertiseHost != "" {
		_, port, err := net.SplitHostPort(addr)
		if err == nil {
			addr = net.JoinHostPort(r.conf.AdvertiseHost, port)
		}
	}

	level.Debug(r.logger).Log("msg", "ist receiver prepared", "addr", addr, "first", first, "last", last)

	return addr, nil
}

// Ready opens the gate: the stream is not consumed before this point, so a
// donor connecting early simply waits.
func (r *Receiver) Ready() {
	r.readyOnce.Do(func() {
		close(r.ready)
	})
}

// Recv returns the next write-set in order, io.EOF at end of range, or the
// stream failure.
func (r *Receiver) Recv() (*writeset.WriteSet, error) {
	select {
	case err := <-r.errc:
		// Write-sets queued before the failure are handed out first.
		select {
		case ws, ok := <-r.out:
			if ok {
				r.errc <- err
				return ws, nil
			}
		default:
		}

		return nil, err
	case ws, ok := <-r.out:
		if !ok {
			select {
			case err := <-r.errc:
				return nil, err
			default:
			}

			return nil, io.EOF
		}

		return ws, nil
	}
}

// Finished tears the channel down and reports the last seqno received.
func (r *Receiver) Finished() int64 {
	r.closeOnce.Do(func() {
		close(r.done)

		if r.ln != nil {
			_ = r.ln.Close()
		}
	})

	return atomic.LoadInt64(&r.lastRecv)
}

func (r *Receiver) acceptLoop() {
	conn, err := r.ln.Accept()
	if err != nil {
		r.fail(fmt.Errorf("ist accept: %w", err))
		return
	}

	defer func() {
		_ = conn.Close()
	}()

	// Do not consume the stream until the joiner is ready for it.
	select {
	case <-r.ready:
	case <-r.done:
		return
	}

	if err := r.consume(conn); err != nil {
		r.fail(err)
		return
	}

	close(r.out)
}

func (r *Receiver) consume(conn net.Conn) error {
	br := binario.NewReader(conn, byteOrder)

	_, first, _, err := readHeader(br)
	if err != nil {
		return fmt.Errorf("ist stream header: %w", err)
	}

	if first != r.first {
		return fmt.Errorf("%w: stream starts at %d, expected %d", ErrBadStream, first, r.first)
	}

	expected := r.first

	for {
		frame, err := br.ReadUint8()
		if err != nil {
			return fmt.Errorf("ist stream frame: %w", err)
		}

		if frame == frameEOF {
			return nil
		}

		if frame != frameWriteSet {
			return fmt.Errorf("%w: unknown frame type %d", ErrBadStream, frame)
		}

		ws, err := writeset.Unmarshal(br)
		if err != nil {
			return fmt.Errorf("ist stream writeset: %w", err)
		}

		if ws.SeqnoG != expected {
			return fmt.Errorf("%w: got seqno %d, expected %d", ErrBadStream, ws.SeqnoG, expected)
		}

		expected++

		atomic.StoreInt64(&r.lastRecv, ws.SeqnoG)

		select {
		case r.out <- ws:
		case <-r.done:
			return nil
		}
	}
}

func (r *Receiver) fail(err error) {
	select {
	case <-r.done:
		return
	default:
	}

	select {
	case r.errc <- err:
	default:
	}
}
