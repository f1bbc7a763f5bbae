// Package rtc carries the voice path: WebRTC offer/answer signaling, inbound
// Opus decode into the speech adapter, and paced Opus delivery of synthesized
// replies.
package rtc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/neverendingsdreams/mira-stylist/internal/session"
	"github.com/neverendingsdreams/mira-stylist/internal/speech"
	"github.com/neverendingsdreams/mira-stylist/internal/synth"
)

// SessionDescription keeps webrtc types out of the transport layer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Deps wires one voice session per peer connection.
type Deps struct {
	SpeechKey      string
	Voice          synth.Voice
	Backend        session.Inferencer
	Archive        session.Archiver
	SessionConfig  session.Config
	ICEServersJSON string
}

type Handler struct {
	deps Deps
}

func NewHandler(deps Deps) *Handler { return &Handler{deps: deps} }

// HandleOffer accepts an SDP offer, builds the voice pipeline around a fresh
// session controller, and returns the SDP answer.
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}
	callID := uuid.NewString()[:8]

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return SessionDescription{}, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return SessionDescription{}, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: h.iceServers()})
	if err != nil {
		return SessionDescription{}, err
	}

	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"stylist-audio", "stylist")
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}

	paced, err := NewPacedOpusSink(outTrack)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}

	mic := &speech.Router{APIKey: h.deps.SpeechKey}
	notifier := &channelNotifier{}
	ctrl := session.New(h.deps.SessionConfig, session.Deps{
		Recognize: func() (session.Recognizer, error) { return mic.Open() },
		Speaker:   synth.NewSpeaker(h.deps.Voice, paced),
		Backend:   h.deps.Backend,
		Archive:   h.deps.Archive,
		Notifier:  notifier,
	})

	var closeOnce sync.Once
	teardown := func() {
		closeOnce.Do(func() {
			_ = ctrl.Close()
			paced.Close()
			_ = pc.Close()
		})
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[%s] peer state: %s", callID, state)
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			teardown()
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		log.Printf("[%s] control channel opened", callID)
		notifier.attach(dc)
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			h.handleControl(callID, ctrl, string(msg.Data))
		})
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("[%s] remote audio track: %s", callID, remote.Codec().MimeType)
		dec, derr := opus.NewDecoder(16000, 1)
		if derr != nil {
			log.Printf("[%s] opus decoder: %v", callID, derr)
			return
		}
		go h.readMic(callID, remote, dec, mic)

		// voice-first sessions start with the wake word armed
		if err := ctrl.ToggleWakeWord(); err != nil {
			log.Printf("[%s] arm wake word: %v", callID, err)
		}
	})

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		teardown()
		return SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		teardown()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		teardown()
		return SessionDescription{}, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		teardown()
		return SessionDescription{}, ctx.Err()
	}
	local := pc.LocalDescription()
	if local == nil {
		teardown()
		return SessionDescription{}, errors.New("no local description")
	}
	log.Printf("[%s] voice session ready", callID)
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

func (h *Handler) handleControl(callID string, ctrl *session.Controller, raw string) {
	cmd := strings.TrimSpace(strings.ToLower(raw))
	switch cmd {
	case "cancel", "stop", "stop-speaking":
		ctrl.Cancel()
	case "start_listening":
		if err := ctrl.StartListening(); err != nil {
			log.Printf("[%s] start listening: %v", callID, err)
		}
	case "stop_listening":
		ctrl.StopListening()
	case "toggle_wake_word":
		if err := ctrl.ToggleWakeWord(); err != nil {
			log.Printf("[%s] toggle wake word: %v", callID, err)
		}
	case "toggle_monitoring":
		ctrl.ToggleMonitoring()
	default:
		log.Printf("[%s] unknown control command %q", callID, cmd)
	}
}

// readMic decodes inbound Opus RTP to 16kHz PCM and feeds the speech router
// in fixed chunks.
func (h *Handler) readMic(callID string, remote *webrtc.TrackRemote, dec *opus.Decoder, mic *speech.Router) {
	const chunkBytes = 3200 // 100ms at 16kHz mono
	samples := make([]int16, 1920)
	buf := make([]byte, 0, chunkBytes*4)
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			log.Printf("[%s] rtp read: %v", callID, err)
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, samples)
		if err != nil {
			log.Printf("[%s] opus decode: %v", callID, err)
			continue
		}
		start := len(buf)
		need := n * 2
		if cap(buf)-start < need {
			grown := make([]byte, start, start+need+chunkBytes)
			copy(grown, buf)
			buf = grown
		}
		buf = buf[:start+need]
		out := buf[start:]
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(samples[i]))
		}
		for len(buf) >= chunkBytes {
			// the stream queues the slice, so it needs its own copy
			chunk := make([]byte, chunkBytes)
			copy(chunk, buf[:chunkBytes])
			mic.SendPCM16KLE(chunk)
			copy(buf, buf[chunkBytes:])
			buf = buf[:len(buf)-chunkBytes]
		}
	}
}

func (h *Handler) iceServers() []webrtc.ICEServer {
	if h.deps.ICEServersJSON != "" {
		var servers []webrtc.ICEServer
		if err := json.Unmarshal([]byte(h.deps.ICEServersJSON), &servers); err == nil && len(servers) > 0 {
			return servers
		}
		log.Printf("rtc: invalid ICE_SERVERS_JSON, using default STUN")
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

// channelNotifier pushes session notices to the control data channel as
// JSON, once the client opens it.
type channelNotifier struct {
	dc atomic.Pointer[webrtc.DataChannel]
}

func (n *channelNotifier) attach(dc *webrtc.DataChannel) { n.dc.Store(dc) }

func (n *channelNotifier) Notify(v session.Notice) {
	dc := n.dc.Load()
	if dc == nil {
		return
	}
	payload := map[string]any{"type": v.Kind.String()}
	if v.Message != "" {
		payload["message"] = v.Message
	}
	if v.Kind == session.NoticeState {
		payload["phase"] = v.State.Phase.String()
		payload["continuousMode"] = v.State.ContinuousMode
		payload["wakeWordArmed"] = v.State.WakeWordArmed
	}
	if v.Turn != nil {
		payload["role"] = string(v.Turn.Role)
		payload["content"] = v.Turn.Content
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := dc.SendText(string(raw)); err != nil {
		log.Printf("rtc: notice send: %v", err)
	}
}
