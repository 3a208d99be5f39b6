package ist

import (
	"fmt"
	"net"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/mtereshkin/galago/cache"
	"github.com/mtereshkin/galago/internal/binario"
)

const dialTimeout = 10 * time.Second

// SenderPool runs one sender per active donation. Each sender owns a cache
// range guard for the duration of the stream and releases it on every exit
// path.
type SenderPool struct {
	logger  kitlog.Logger
	cache   *cache.Cache
	version uint8
	eg      errgroup.Group
}

func NewSenderPool(logger kitlog.Logger, c *cache.Cache, version uint8) *SenderPool {
	if logger == nil {
		logger = kitlog.NewNopLogger()
	}

	return &SenderPool{
		logger:  logger,
		cache:   c,
		version: version,
	}
}

// Run launches a sender streaming [first, last] to the peer. The guard is
// owned by the sender from this point on. The optional done callback runs
// after the stream completes, with its outcome.
func (p *SenderPool) Run(peer string, first, last int64, guard *cache.SeqnoGuard, done func(err error)) {
	logger := kitlog.With(p.logger, "peer", peer, "first", first, "last", last)

	p.eg.Go(func() error {
		defer guard.Unlock()

		err := p.send(peer, first, last)
		if err != nil {
			level.Error(logger).Log("msg", "ist send failed", "err", err)
		} else {
			level.Info(logger).Log("msg", "ist send complete")
		}

		if done != nil {
			done(err)
		}

		return err
	})
}

// Wait blocks until every launched sender has finished and returns the first
// failure, if any.
func (p *SenderPool) Wait() error {
	return p.eg.Wait()
}

func (p *SenderPool) send(peer string, first, last int64) error {
	conn, err := net.DialTimeout("tcp", peer, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial joiner: %w", err)
	}

	defer func() {
		_ = conn.Close()
	}()

	bw := binario.NewWriter(conn, byteOrder)

	if err := writeHeader(bw, p.version, first, last); err != nil {
		return fmt.Errorf("ist stream header: %w", err)
	}

	for seqno := first; seqno <= last; seqno++ {
		ws, ok := p.cache.Get(seqno)
		if !ok {
			return fmt.Errorf("seqno %d missing from cache mid-range", seqno)
		}

		if err := bw.WriteUint8(frameWriteSet); err != nil {
			return err
		}

		if err := ws.Marshal(bw); err != nil {
			return fmt.Errorf("ist stream writeset %d: %w", seqno, err)
		}
	}

	return bw.WriteUint8(frameEOF)
}
