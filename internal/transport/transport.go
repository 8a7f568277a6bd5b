// Package transport coordinates one direction of screen mirroring. A
// ScreenSourceTrans encodes captured frames and sends them over a data
// channel; a ScreenSinkTrans receives them and decodes onto a surface.
package transport

import (
	"sync"
	"time"

	"github.com/babelcloud/dscreen/internal/channel"
	"github.com/babelcloud/dscreen/internal/errcode"
	"github.com/babelcloud/dscreen/internal/param"
	"github.com/babelcloud/dscreen/internal/processor"
	"github.com/babelcloud/dscreen/internal/util"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const (
	DefaultSessionOpenTimeout = 5 * time.Second
	DefaultDataWaitTimeout    = time.Second
	DefaultQueueMaxSize       = 1000
)

// Options tunes a transport. Zero fields fall back to the defaults.
type Options struct {
	// SessionOpenTimeout bounds how long Start waits for the data session.
	SessionOpenTimeout time.Duration
	// DataWaitTimeout is how often the sender re-checks its state when
	// no data arrives.
	DataWaitTimeout time.Duration
	// QueueMaxSize bounds the encoded frames waiting to be sent.
	QueueMaxSize int
	Names        channel.Names
	Processor    processor.Options
}

func (o Options) withDefaults() Options {
	if o.SessionOpenTimeout <= 0 {
		o.SessionOpenTimeout = DefaultSessionOpenTimeout
	}
	if o.DataWaitTimeout <= 0 {
		o.DataWaitTimeout = DefaultDataWaitTimeout
	}
	if o.QueueMaxSize <= 0 {
		o.QueueMaxSize = DefaultQueueMaxSize
	}
	return o
}

// StateCallback receives asynchronous transport failures. The owner
// decides whether to tear down or retry.
type StateCallback interface {
	OnError(code errcode.Code, reason string)
}

// callbackRef is the transport's non-owning reference to its owner.
// Release clears it and later notifications are dropped.
type callbackRef struct {
	mu sync.RWMutex
	cb StateCallback
}

func (r *callbackRef) set(cb StateCallback) {
	r.mu.Lock()
	r.cb = cb
	r.mu.Unlock()
}

func (r *callbackRef) clear() {
	r.set(nil)
}

func (r *callbackRef) notify(code errcode.Code, reason string) {
	r.mu.RLock()
	cb := r.cb
	r.mu.RUnlock()
	if cb == nil {
		util.GetLogger().Debug("Owner gone, state notification dropped", "code", code, "reason", reason)
		return
	}
	cb.OnError(code, reason)
}

type state int

const (
	stateUnconfigured state = iota
	stateSetUp
	stateRunning
	stateReleased
)

var stateNames = [...]string{"unconfigured", "setup", "running", "released"}

func (s state) String() string {
	return stateNames[s]
}

// CheckTransParam validates the parameters of SetUp. An empty peer id is
// ErrTransNullValue whatever the video parameters; invalid video
// parameters are ErrTransIllegalParam.
func CheckTransParam(local, remote param.VideoParam, peerDevID string) error {
	if peerDevID == "" {
		return errors.Wrap(errcode.ErrTransNullValue, "peer device id is empty")
	}
	if err := param.CheckVideoParam(local); err != nil {
		return errors.WithMessage(err, "local video param")
	}
	if err := param.CheckVideoParam(remote); err != nil {
		return errors.WithMessage(err, "remote video param")
	}
	return nil
}

// aggregate folds teardown failures into one ErrTransError.
func aggregate(op string, errs ...error) error {
	err := multierr.Combine(errs...)
	if err == nil {
		return nil
	}
	return errors.Wrapf(errcode.ErrTransError, "%s: %v", op, err)
}

// closeLeftover closes a data session a failed Start left open. A channel
// with no session id has nothing to close.
func closeLeftover(ch *channel.ScreenDataChannel) error {
	if ch.SessionID() == 0 {
		return nil
	}
	err := ch.CloseSession()
	if errors.Is(err, errcode.ErrTransSessionNotOpen) {
		return nil
	}
	return err
}
