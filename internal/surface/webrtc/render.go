// Package webrtc renders decoded H.264 frames to browsers over WebRTC.
// Viewers post an SDP offer to /offer and receive the answer; every viewer
// shares the same video track.
package webrtc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/babelcloud/dscreen/internal/surface"
	"github.com/babelcloud/dscreen/internal/util"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pkg/errors"
)

const (
	h264Fmtp       = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f"
	gatherTimeout  = 10 * time.Second
	maxOfferLength = 64 * 1024
)

var ErrClosed = errors.New("webrtc render closed")

// Render is a surface.Surface publishing frames as a WebRTC video track.
type Render struct {
	api      *webrtc.API
	track    *webrtc.TrackLocalStaticSample
	duration time.Duration

	mu     sync.Mutex
	peers  map[string]*webrtc.PeerConnection
	server *http.Server
	closed bool
}

var _ surface.Surface = (*Render)(nil)

// NewRender creates a render for a stream at fps frames per second.
func NewRender(fps float64) (*Render, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: h264Fmtp,
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, errors.Wrap(err, "failed to register h264 codec")
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: h264Fmtp,
		},
		"video",
		"dscreen",
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create video track")
	}

	if fps <= 0 {
		fps = 30
	}
	return &Render{
		api:      webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		track:    track,
		duration: time.Duration(float64(time.Second) / fps),
		peers:    make(map[string]*webrtc.PeerConnection),
	}, nil
}

// WriteFrame implements surface.Surface. Frames written with no viewer
// connected are dropped.
func (r *Render) WriteFrame(data []byte, pts int64) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return r.track.WriteSample(media.Sample{Data: data, Duration: r.duration})
}

// Viewers returns the number of connected peers.
func (r *Render) Viewers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Handler returns the signalling routes.
func (r *Render) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/offer", r.handleOffer).Methods(http.MethodPost)
	router.HandleFunc("/", r.handleIndex).Methods(http.MethodGet)
	return router
}

// Serve serves the signalling routes on ln until Close.
func (r *Render) Serve(ln net.Listener) {
	srv := &http.Server{Handler: r.Handler(), ReadHeaderTimeout: 10 * time.Second}
	r.mu.Lock()
	r.server = srv
	r.mu.Unlock()

	util.GetLogger().Info("WebRTC render listening", "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			util.GetLogger().Error("WebRTC render server stopped", "error", err)
		}
	}()
}

func (r *Render) handleOffer(w http.ResponseWriter, req *http.Request) {
	var offer webrtc.SessionDescription
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxOfferLength)).Decode(&offer); err != nil {
		http.Error(w, "invalid offer: "+err.Error(), http.StatusBadRequest)
		return
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		http.Error(w, "expected an sdp offer", http.StatusBadRequest)
		return
	}

	answer, err := r.answer(req.Context(), offer)
	if err != nil {
		util.GetLogger().Error("WebRTC offer failed", "remote", req.RemoteAddr, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(answer)
}

func (r *Render) answer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	pc, err := r.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create peer connection")
	}
	id := uuid.NewString()
	if _, err := pc.AddTrack(r.track); err != nil {
		pc.Close()
		return nil, errors.Wrap(err, "failed to add video track")
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		util.GetLogger().Debug("WebRTC viewer state", "viewer", id, "state", s.String())
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			r.dropPeer(id)
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return nil, errors.Wrap(err, "failed to set remote description")
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, errors.Wrap(err, "failed to create answer")
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, errors.Wrap(err, "failed to set local description")
	}

	timer := time.NewTimer(gatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		util.GetLogger().Warn("ICE gathering timed out, answering with partial candidates", "viewer", id)
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}

	r.mu.Lock()
	r.peers[id] = pc
	r.mu.Unlock()
	util.GetLogger().Info("WebRTC viewer joined", "viewer", id)
	return pc.LocalDescription(), nil
}

func (r *Render) dropPeer(id string) {
	r.mu.Lock()
	pc, ok := r.peers[id]
	delete(r.peers, id)
	r.mu.Unlock()
	if ok {
		go pc.Close()
		util.GetLogger().Info("WebRTC viewer left", "viewer", id)
	}
}

func (r *Render) handleIndex(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(viewerPage))
}

// Close disconnects every viewer and stops the signalling server.
func (r *Render) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	peers := r.peers
	r.peers = make(map[string]*webrtc.PeerConnection)
	srv := r.server
	r.mu.Unlock()

	var err error
	for _, pc := range peers {
		if cerr := pc.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := srv.Shutdown(ctx); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

const viewerPage = `<!doctype html>
<html>
<head><title>dscreen</title></head>
<body style="margin:0;background:#000">
<video id="v" autoplay muted playsinline style="width:100vw;height:100vh"></video>
<script>
const pc = new RTCPeerConnection();
pc.addTransceiver("video", {direction: "recvonly"});
pc.ontrack = e => { document.getElementById("v").srcObject = e.streams[0]; };
pc.createOffer().then(o => pc.setLocalDescription(o)).then(() => new Promise(r => {
  if (pc.iceGatheringState === "complete") return r();
  pc.onicegatheringstatechange = () => pc.iceGatheringState === "complete" && r();
})).then(() => fetch("/offer", {method: "POST", body: JSON.stringify(pc.localDescription)}))
  .then(r => r.json()).then(a => pc.setRemoteDescription(a));
</script>
</body>
</html>
`
