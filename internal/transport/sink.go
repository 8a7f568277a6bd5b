package transport

import (
	"sync"

	"github.com/babelcloud/dscreen/internal/channel"
	"github.com/babelcloud/dscreen/internal/codec"
	"github.com/babelcloud/dscreen/internal/databuffer"
	"github.com/babelcloud/dscreen/internal/errcode"
	"github.com/babelcloud/dscreen/internal/param"
	"github.com/babelcloud/dscreen/internal/processor"
	"github.com/babelcloud/dscreen/internal/softbus"
	"github.com/babelcloud/dscreen/internal/surface"
	"github.com/babelcloud/dscreen/internal/util"
	"github.com/pkg/errors"
)

// ScreenSinkTrans is the receiving side of a mirroring session. Data from
// the peer goes straight to the decoder, which renders onto the surface
// set with SetImageSurface.
type ScreenSinkTrans struct {
	adapter softbus.Adapter
	codecs  codec.Factory
	opts    Options

	mu        sync.Mutex
	state     state
	peerDevID string
	channel   *channel.ScreenDataChannel
	processor *processor.ImageSinkProcessor

	callback callbackRef
}

var (
	_ channel.Listener        = (*ScreenSinkTrans)(nil)
	_ processor.StateListener = (*ScreenSinkTrans)(nil)
)

// NewScreenSinkTrans returns a sink transport using adapter for the data
// channel and codecs for the decoder.
func NewScreenSinkTrans(adapter softbus.Adapter, codecs codec.Factory, opts Options) *ScreenSinkTrans {
	return &ScreenSinkTrans{
		adapter: adapter,
		codecs:  codecs,
		opts:    opts.withDefaults(),
	}
}

// SetUp validates the parameters, registers the data channel session for
// the peer and configures the decoder.
func (t *ScreenSinkTrans) SetUp(local, remote param.VideoParam, peerDevID string) error {
	if err := CheckTransParam(local, remote, peerDevID); err != nil {
		return err
	}
	if t.adapter == nil || t.codecs == nil {
		return errors.Wrap(errcode.ErrTransNullValue, "sink transport dependencies")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stateUnconfigured && t.state != stateReleased {
		return errors.Wrapf(errcode.ErrTransError, "sink transport already %s", t.state)
	}

	ch := channel.NewScreenDataChannel(t.adapter, peerDevID, t.opts.Names)
	if err := ch.CreateSession(t); err != nil {
		return err
	}
	proc := processor.NewImageSinkProcessor(t.codecs, t.opts.Processor)
	if err := proc.ConfigureImageProcessor(local, remote, t); err != nil {
		if rerr := ch.ReleaseSession(); rerr != nil {
			util.GetLogger().Warn("Release channel after failed setup", "error", rerr)
		}
		return err
	}

	t.peerDevID = peerDevID
	t.channel = ch
	t.processor = proc
	t.state = stateSetUp
	util.GetLogger().Info("Sink transport set up", "peer", peerDevID)
	return nil
}

// RegisterStateCallback sets the owner notified of asynchronous failures.
func (t *ScreenSinkTrans) RegisterStateCallback(cb StateCallback) error {
	if cb == nil {
		return errors.Wrap(errcode.ErrTransNullValue, "state callback")
	}
	t.callback.set(cb)
	return nil
}

// SetImageSurface sets the render target. It must be called before Start.
func (t *ScreenSinkTrans) SetImageSurface(s surface.Surface) error {
	if s == nil {
		return errors.Wrap(errcode.ErrTransNullValue, "sink surface")
	}
	t.mu.Lock()
	proc := t.processor
	t.mu.Unlock()
	if proc == nil {
		return errors.Wrap(errcode.ErrTransNotInit, "set sink surface before setup")
	}
	return proc.SetImageSurface(s)
}

// Start starts the decoder. The data session is opened by the peer.
func (t *ScreenSinkTrans) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case stateSetUp:
	case stateRunning:
		return nil
	default:
		return errors.Wrapf(errcode.ErrTransNotInit, "start sink transport in state %s", t.state)
	}
	if err := t.processor.StartImageProcessor(); err != nil {
		return err
	}
	t.state = stateRunning
	util.GetLogger().Info("Sink transport started", "peer", t.peerDevID)
	return nil
}

// Stop stops the decoder and closes the data session. Both are attempted;
// any failure yields ErrTransError. A session the peer never opened is not
// a failure.
func (t *ScreenSinkTrans) Stop() error {
	t.mu.Lock()
	if t.state != stateSetUp && t.state != stateRunning {
		st := t.state
		t.mu.Unlock()
		return errors.Wrapf(errcode.ErrTransNotInit, "stop sink transport in state %s", st)
	}
	proc, ch := t.processor, t.channel
	t.state = stateSetUp
	t.mu.Unlock()

	procErr := proc.StopImageProcessor()
	chErr := ch.CloseSession()
	if errors.Is(chErr, errcode.ErrTransSessionNotOpen) {
		// The source never opened its data session to this sink.
		util.GetLogger().Warn("Sink data session was never opened", "peer", ch.PeerDevID())
		chErr = nil
	}
	if err := aggregate("stop sink transport", procErr, chErr); err != nil {
		util.GetLogger().Error("Sink transport stop incomplete", "peer", ch.PeerDevID(), "error", err)
		return err
	}
	util.GetLogger().Info("Sink transport stopped", "peer", ch.PeerDevID())
	return nil
}

// Release releases the decoder and the channel session. A session still
// open while stopped is closed first.
func (t *ScreenSinkTrans) Release() error {
	t.mu.Lock()
	st := t.state
	t.mu.Unlock()
	if st == stateUnconfigured || st == stateReleased {
		return errors.Wrapf(errcode.ErrTransNotInit, "release sink transport in state %s", st)
	}
	if st == stateRunning {
		if err := t.Stop(); err != nil {
			util.GetLogger().Warn("Stop before release failed", "error", err)
		}
	}

	t.mu.Lock()
	proc, ch := t.processor, t.channel
	t.processor = nil
	t.channel = nil
	t.state = stateReleased
	t.mu.Unlock()
	t.callback.clear()

	err := aggregate("release sink transport", closeLeftover(ch), proc.ReleaseImageProcessor(), ch.ReleaseSession())
	util.GetLogger().Info("Sink transport released", "peer", ch.PeerDevID())
	return err
}

// OnSessionOpened implements channel.Listener.
func (t *ScreenSinkTrans) OnSessionOpened() {
	util.GetLogger().Info("Sink data session opened", "peer", t.peer())
}

// OnSessionClosed implements channel.Listener.
func (t *ScreenSinkTrans) OnSessionClosed() {
	peer := t.peer()
	util.GetLogger().Warn("Sink data session closed", "peer", peer)
	t.callback.notify(errcode.ErrTransSessionClosed, "data session from "+peer+" closed")
}

// OnDataReceived implements channel.Listener.
func (t *ScreenSinkTrans) OnDataReceived(data *databuffer.DataBuffer) {
	t.mu.Lock()
	proc := t.processor
	t.mu.Unlock()
	if proc == nil {
		return
	}
	if err := proc.ProcessImage(data); err != nil {
		util.GetLogger().Error("Queue screen data failed", "error", err)
	}
}

// OnProcessorStateNotify implements processor.StateListener. As on the
// source side the owner is notified from a new goroutine.
func (t *ScreenSinkTrans) OnProcessorStateNotify(err error) {
	util.GetLogger().Error("Sink processor failure", "error", err)
	go t.callback.notify(errcode.Of(err), err.Error())
}

func (t *ScreenSinkTrans) peer() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerDevID
}
