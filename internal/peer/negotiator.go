package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// DefaultLabel names the data channel opened by the offering side.
const DefaultLabel = "signal-relay"

// ErrNegotiating is returned by Offer while a PeerConnection already exists.
var ErrNegotiating = errors.New("peer connection already exists")

// Options configures a Negotiator.
type Options struct {
	// API creates PeerConnections. When nil a default API is built.
	API *webrtc.API
	// ICEServers lists STUN/TURN URLs, e.g. "stun:stun.l.google.com:19302".
	ICEServers []string
	// Label names the data channel created by Offer.
	Label  string
	Logger *slog.Logger

	// OnOpen is called for every data channel once it opens, local or remote.
	OnOpen func(dc *webrtc.DataChannel)
	// OnMessage is called for every message on any data channel.
	OnMessage func(label string, data []byte)
}

// Negotiator runs one side of an offer/answer exchange over a SignalConn.
// Which side it plays is decided by the first event: calling Offer makes it
// the offerer, receiving an offer first makes it the answerer.
type Negotiator struct {
	signal *SignalConn
	api    *webrtc.API
	config webrtc.Configuration
	label  string
	logger *slog.Logger

	onOpen    func(dc *webrtc.DataChannel)
	onMessage func(label string, data []byte)

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	channels  []*webrtc.DataChannel
	connected chan struct{}
}

// NewNegotiator creates a Negotiator sending its descriptions over signal.
func NewNegotiator(signal *SignalConn, opts Options) (*Negotiator, error) {
	api := opts.API
	if api == nil {
		var err error
		if api, err = NewAPI(nil); err != nil {
			return nil, err
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	label := opts.Label
	if label == "" {
		label = DefaultLabel
	}

	var config webrtc.Configuration
	if len(opts.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}

	return &Negotiator{
		signal:    signal,
		api:       api,
		config:    config,
		label:     label,
		logger:    logger,
		onOpen:    opts.OnOpen,
		onMessage: opts.OnMessage,
		connected: make(chan struct{}),
	}, nil
}

// Connected is closed the first time ICE reaches the connected state.
func (n *Negotiator) Connected() <-chan struct{} {
	return n.connected
}

// DataChannels returns the data channels seen so far on the current
// PeerConnection.
func (n *Negotiator) DataChannels() []*webrtc.DataChannel {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*webrtc.DataChannel(nil), n.channels...)
}

// Offer creates a PeerConnection with one data channel, waits for ICE
// gathering to complete and sends the full offer SDP to the relay.
func (n *Negotiator) Offer(ctx context.Context) error {
	pc, err := n.newPeerConnection()
	if err != nil {
		return err
	}

	dc, err := pc.CreateDataChannel(n.label, nil)
	if err != nil {
		n.hangUp(pc)
		return fmt.Errorf("create data channel: %w", err)
	}
	n.trackDataChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		n.hangUp(pc)
		return fmt.Errorf("create offer: %w", err)
	}
	if err := n.sendLocalDescription(ctx, pc, offer); err != nil {
		n.hangUp(pc)
		return err
	}
	n.logger.Info("sent offer")
	return nil
}

// Run reads payloads from the relay until ctx is cancelled or the signaling
// connection fails. With no PeerConnection a payload is taken as an offer and
// answered; while a local offer is pending it is taken as the answer; anything
// else is ignored.
func (n *Negotiator) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = n.signal.Close() })
	defer stop()

	for {
		payload, err := n.signal.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receive signaling payload: %w", err)
		}

		if err := n.handle(ctx, payload); err != nil {
			n.logger.Warn("ignoring signaling payload", "err", err, "bytes", len(payload))
		}
	}
}

// HangUp closes the current PeerConnection, if any. A later offer starts a
// fresh negotiation.
func (n *Negotiator) HangUp() {
	n.mu.Lock()
	pc := n.pc
	n.mu.Unlock()

	if pc != nil {
		n.hangUp(pc)
	}
}

func (n *Negotiator) handle(ctx context.Context, payload string) error {
	n.mu.Lock()
	pc := n.pc
	n.mu.Unlock()

	switch {
	case pc == nil:
		return n.answer(ctx, payload)
	case pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer:
		answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: payload}
		if err := pc.SetRemoteDescription(answer); err != nil {
			return fmt.Errorf("set remote answer: %w", err)
		}
		n.logger.Info("applied answer")
		return nil
	default:
		n.logger.Debug("negotiation complete; payload ignored", "state", pc.SignalingState().String())
		return nil
	}
}

func (n *Negotiator) answer(ctx context.Context, sdp string) error {
	pc, err := n.newPeerConnection()
	if err != nil {
		return err
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := pc.SetRemoteDescription(offer); err != nil {
		n.hangUp(pc)
		return fmt.Errorf("set remote offer: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		n.hangUp(pc)
		return fmt.Errorf("create answer: %w", err)
	}
	if err := n.sendLocalDescription(ctx, pc, answer); err != nil {
		n.hangUp(pc)
		return err
	}
	n.logger.Info("sent answer")
	return nil
}

// sendLocalDescription applies desc, waits for ICE gathering to finish and
// sends the resulting SDP, candidates included.
func (n *Negotiator) sendLocalDescription(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) error {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("set local %s: %w", desc.Type, err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}

	local := pc.LocalDescription()
	if local == nil {
		return errors.New("no local description after gathering")
	}
	if err := n.signal.Send(local.SDP); err != nil {
		return fmt.Errorf("send %s: %w", desc.Type, err)
	}
	return nil
}

func (n *Negotiator) newPeerConnection() (*webrtc.PeerConnection, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pc != nil {
		return nil, ErrNegotiating
	}

	pc, err := n.api.NewPeerConnection(n.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		n.logger.Info("ICE connection state changed", "state", state.String())
		switch state {
		case webrtc.ICEConnectionStateConnected:
			n.markConnected()
		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
			n.hangUp(pc)
		}
	})
	pc.OnDataChannel(n.trackDataChannel)

	n.pc = pc
	n.channels = nil
	return pc, nil
}

func (n *Negotiator) trackDataChannel(dc *webrtc.DataChannel) {
	n.mu.Lock()
	n.channels = append(n.channels, dc)
	n.mu.Unlock()

	dc.OnOpen(func() {
		n.logger.Info("data channel open", "label", dc.Label())
		if n.onOpen != nil {
			n.onOpen(dc)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if n.onMessage != nil {
			n.onMessage(dc.Label(), msg.Data)
		}
	})
}

func (n *Negotiator) markConnected() {
	n.mu.Lock()
	defer n.mu.Unlock()

	select {
	case <-n.connected:
	default:
		close(n.connected)
	}
}

// hangUp closes pc if it is still the current PeerConnection.
func (n *Negotiator) hangUp(pc *webrtc.PeerConnection) {
	n.mu.Lock()
	if n.pc != pc {
		n.mu.Unlock()
		return
	}
	n.pc = nil
	n.channels = nil
	n.mu.Unlock()

	if err := pc.Close(); err != nil {
		n.logger.Warn("error closing peer connection", "err", err)
	}
	n.logger.Info("hung up")
}
