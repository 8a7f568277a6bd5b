package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/dscreen/internal/channel"
	"github.com/babelcloud/dscreen/internal/codec"
	"github.com/babelcloud/dscreen/internal/databuffer"
	"github.com/babelcloud/dscreen/internal/errcode"
	"github.com/babelcloud/dscreen/internal/param"
	"github.com/babelcloud/dscreen/internal/processor"
	"github.com/babelcloud/dscreen/internal/queue"
	"github.com/babelcloud/dscreen/internal/softbus"
	"github.com/babelcloud/dscreen/internal/surface"
	"github.com/babelcloud/dscreen/internal/util"
	"github.com/pkg/errors"
)

// ScreenSourceTrans is the sending side of a mirroring session. Frames
// written to its image surface are encoded, queued and sent to the peer by
// a dedicated sender goroutine.
type ScreenSourceTrans struct {
	adapter softbus.Adapter
	codecs  codec.Factory
	opts    Options

	mu        sync.Mutex
	state     state
	peerDevID string
	channel   *channel.ScreenDataChannel
	processor *processor.ImageSourceProcessor
	surface   surface.Surface
	dataQueue *queue.DropQueue[*databuffer.DataBuffer]

	// opening is set while Start waits for the data session; ready is
	// closed when the wait ends with startErr as its outcome.
	opening  bool
	starting bool
	ready    chan struct{}
	startErr error

	channelReady atomic.Bool
	done         chan struct{}
	wg           sync.WaitGroup

	callback callbackRef
}

var (
	_ channel.Listener         = (*ScreenSourceTrans)(nil)
	_ processor.SourceListener = (*ScreenSourceTrans)(nil)
)

// NewScreenSourceTrans returns a source transport using adapter for the
// data channel and codecs for the encoder.
func NewScreenSourceTrans(adapter softbus.Adapter, codecs codec.Factory, opts Options) *ScreenSourceTrans {
	opts = opts.withDefaults()
	return &ScreenSourceTrans{
		adapter:   adapter,
		codecs:    codecs,
		opts:      opts,
		dataQueue: queue.New[*databuffer.DataBuffer](opts.QueueMaxSize),
	}
}

// SetUp validates the parameters, creates the data channel session and
// configures the encoder. It has no side effects when validation fails.
func (t *ScreenSourceTrans) SetUp(local, remote param.VideoParam, peerDevID string) error {
	if err := CheckTransParam(local, remote, peerDevID); err != nil {
		return err
	}
	if t.adapter == nil || t.codecs == nil {
		return errors.Wrap(errcode.ErrTransNullValue, "source transport dependencies")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stateUnconfigured && t.state != stateReleased {
		return errors.Wrapf(errcode.ErrTransError, "source transport already %s", t.state)
	}

	ch := channel.NewScreenDataChannel(t.adapter, peerDevID, t.opts.Names)
	if err := ch.CreateSession(t); err != nil {
		return err
	}
	proc := processor.NewImageSourceProcessor(t.codecs, t.opts.Processor)
	if err := proc.ConfigureImageProcessor(local, remote, t); err != nil {
		if rerr := ch.ReleaseSession(); rerr != nil {
			util.GetLogger().Warn("Release channel after failed setup", "error", rerr)
		}
		return err
	}
	s := proc.GetImageSurface()
	if s == nil {
		_ = proc.ReleaseImageProcessor()
		_ = ch.ReleaseSession()
		return errors.Wrap(errcode.ErrTransNullValue, "encoder surface")
	}

	t.peerDevID = peerDevID
	t.channel = ch
	t.processor = proc
	t.surface = s
	t.dataQueue.Clear()
	t.state = stateSetUp
	util.GetLogger().Info("Source transport set up", "peer", peerDevID)
	return nil
}

// RegisterStateCallback sets the owner notified of asynchronous failures.
func (t *ScreenSourceTrans) RegisterStateCallback(cb StateCallback) error {
	if cb == nil {
		return errors.Wrap(errcode.ErrTransNullValue, "state callback")
	}
	t.callback.set(cb)
	return nil
}

// GetImageSurface returns the surface captured frames are written to, or
// nil before SetUp.
func (t *ScreenSourceTrans) GetImageSurface() surface.Surface {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.surface
}

// Start opens the data session and blocks until it is ready, the session
// open timeout elapses or ctx is done. The encoder starts once the session
// opens.
func (t *ScreenSourceTrans) Start(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case stateSetUp:
	case stateRunning:
		t.mu.Unlock()
		return nil
	default:
		st := t.state
		t.mu.Unlock()
		return errors.Wrapf(errcode.ErrTransNotInit, "start source transport in state %s", st)
	}
	ch := t.channel
	ready := make(chan struct{})
	t.ready = ready
	t.startErr = nil
	t.opening = true
	t.mu.Unlock()

	logger := util.GetLogger()
	if err := ch.OpenSession(); err != nil {
		t.abortOpen()
		return err
	}

	timer := time.NewTimer(t.opts.SessionOpenTimeout)
	defer timer.Stop()
	var waitErr error
	select {
	case <-ready:
	case <-timer.C:
		waitErr = errors.Wrapf(errcode.ErrTransTimeout, "data session to %s not opened in %s", ch.PeerDevID(), t.opts.SessionOpenTimeout)
	case <-ctx.Done():
		waitErr = errors.Wrapf(errcode.ErrTransTimeout, "waiting for data session: %v", ctx.Err())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-ready:
		// The session may have opened while the wait was timing out.
		waitErr = t.startErr
		if waitErr == nil && t.done == nil {
			waitErr = errors.Wrap(errcode.ErrTransError, "source transport stopped while starting")
		}
	default:
		t.opening = false
	}
	if waitErr != nil {
		logger.Error("Source transport start failed", "peer", ch.PeerDevID(), "error", waitErr)
		return waitErr
	}
	t.state = stateRunning
	logger.Info("Source transport started", "peer", ch.PeerDevID())
	return nil
}

// finishOpen ends a pending Start with err. Callers hold t.mu and have
// checked t.opening.
func (t *ScreenSourceTrans) finishOpen(err error) {
	t.opening = false
	t.startErr = err
	close(t.ready)
}

func (t *ScreenSourceTrans) abortOpen() {
	t.mu.Lock()
	t.opening = false
	t.mu.Unlock()
}

// Stop stops the encoder, closes the data session and joins the sender.
// Every step is attempted; any failure yields ErrTransError.
func (t *ScreenSourceTrans) Stop() error {
	t.mu.Lock()
	if t.state != stateSetUp && t.state != stateRunning {
		st := t.state
		t.mu.Unlock()
		return errors.Wrapf(errcode.ErrTransNotInit, "stop source transport in state %s", st)
	}
	proc, ch, done := t.processor, t.channel, t.done
	t.done = nil
	if t.opening {
		t.finishOpen(errors.Wrap(errcode.ErrTransError, "source transport stopped while opening"))
	}
	t.state = stateSetUp
	t.mu.Unlock()

	procErr := proc.StopImageProcessor()
	chErr := ch.CloseSession()
	t.channelReady.Store(false)
	if done != nil {
		close(done)
	}
	t.wg.Wait()

	if err := aggregate("stop source transport", procErr, chErr); err != nil {
		util.GetLogger().Error("Source transport stop incomplete", "peer", ch.PeerDevID(), "error", err)
		return err
	}
	util.GetLogger().Info("Source transport stopped", "peer", ch.PeerDevID())
	return nil
}

// Release releases the encoder and the channel session and drops queued
// frames. A session left open by a failed Start is closed first. A
// released transport needs a new SetUp.
func (t *ScreenSourceTrans) Release() error {
	t.mu.Lock()
	st := t.state
	t.mu.Unlock()
	if st == stateUnconfigured || st == stateReleased {
		return errors.Wrapf(errcode.ErrTransNotInit, "release source transport in state %s", st)
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
	t.surface = nil
	t.state = stateReleased
	if t.opening {
		t.finishOpen(errors.Wrap(errcode.ErrTransNotInit, "source transport released while opening"))
	}
	t.mu.Unlock()
	t.callback.clear()

	err := aggregate("release source transport", closeLeftover(ch), proc.ReleaseImageProcessor(), ch.ReleaseSession())
	dropped := t.dataQueue.Clear()
	util.GetLogger().Info("Source transport released", "peer", ch.PeerDevID(), "dropped", dropped)
	return err
}

// OnSessionOpened implements channel.Listener. It starts the encoder and
// the sender and wakes Start. The encoder is started without holding the
// transport lock so codec callbacks may reach the owner.
func (t *ScreenSourceTrans) OnSessionOpened() {
	logger := util.GetLogger()

	t.mu.Lock()
	if !t.opening || t.starting {
		t.mu.Unlock()
		logger.Warn("Data session opened while not starting, ignored", "peer", t.peerDevID)
		return
	}
	t.starting = true
	proc, ch, ready := t.processor, t.channel, t.ready
	t.mu.Unlock()

	err := proc.StartImageProcessor()

	t.mu.Lock()
	t.starting = false
	if !t.opening || t.ready != ready {
		t.mu.Unlock()
		logger.Warn("Start abandoned while the encoder was starting", "peer", ch.PeerDevID())
		if err == nil {
			if serr := proc.StopImageProcessor(); serr != nil {
				logger.Warn("Stop abandoned encoder", "error", serr)
			}
		}
		return
	}
	defer t.mu.Unlock()
	if err != nil {
		t.finishOpen(err)
		return
	}
	t.channelReady.Store(true)
	t.done = make(chan struct{})
	t.wg.Add(1)
	go t.feedData(ch, t.done)
	t.finishOpen(nil)
}

// OnSessionClosed implements channel.Listener.
func (t *ScreenSourceTrans) OnSessionClosed() {
	t.channelReady.Store(false)

	t.mu.Lock()
	if t.opening {
		t.finishOpen(errors.Wrapf(errcode.ErrTransOpenSession, "data session to %s failed to open", t.peerDevID))
		t.mu.Unlock()
		return
	}
	peer := t.peerDevID
	t.mu.Unlock()

	util.GetLogger().Warn("Source data session closed", "peer", peer)
	t.callback.notify(errcode.ErrTransSessionClosed, "data session to "+peer+" closed")
}

// OnDataReceived implements channel.Listener. The source side does not
// receive screen data.
func (t *ScreenSourceTrans) OnDataReceived(data *databuffer.DataBuffer) {
	util.GetLogger().Warn("Source transport received unexpected data", "size", data.Size())
}

// OnImageProcessDone implements processor.SourceListener. When the send
// queue is full the oldest frame is dropped.
func (t *ScreenSourceTrans) OnImageProcessDone(data *databuffer.DataBuffer) {
	if _, evicted := t.dataQueue.Push(data); evicted {
		util.GetLogger().Warn("Send queue full, dropped oldest frame", "dropped_total", t.dataQueue.Dropped())
	}
}

// OnProcessorStateNotify implements processor.StateListener. The owner is
// notified from a new goroutine: codec errors may arrive inside a
// lifecycle call the owner is allowed to answer with Stop or Release.
func (t *ScreenSourceTrans) OnProcessorStateNotify(err error) {
	util.GetLogger().Error("Source processor failure", "error", err)
	go t.callback.notify(errcode.Of(err), err.Error())
}

// feedData sends queued frames while the channel is ready.
func (t *ScreenSourceTrans) feedData(ch *channel.ScreenDataChannel, done <-chan struct{}) {
	defer t.wg.Done()
	logger := util.GetLogger()
	logger.Debug("Source sender started", "peer", ch.PeerDevID())
	defer logger.Debug("Source sender exited", "peer", ch.PeerDevID())

	for t.channelReady.Load() {
		if !t.dataQueue.Wait(t.opts.DataWaitTimeout, done) {
			continue
		}
		data, ok := t.dataQueue.Pop()
		if !ok {
			continue
		}
		if err := ch.SendData(data); err != nil {
			logger.Error("Send screen data failed", "peer", ch.PeerDevID(), "size", data.Size(), "error", err)
		}
	}
}
