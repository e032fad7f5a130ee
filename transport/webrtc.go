// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/pion/webrtc/v4"
)

// ChannelLabel is the label of the data channel a Link carries.
const ChannelLabel = "signaling"

const (
	// iceGatherTimeout bounds candidate gathering.
	iceGatherTimeout = 10 * time.Second

	// establishTimeout bounds a handshake from the offer to an open
	// data channel.
	establishTimeout = 30 * time.Second
)

// Endpoint establishes Links with peers reachable through its
// signaler.
type Endpoint struct {
	signaler Signaler
	ice      ICEConfig
	logger   *slog.Logger
}

// NewEndpoint creates an Endpoint.
func NewEndpoint(signaler Signaler, ice ICEConfig, logger *slog.Logger) *Endpoint {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Endpoint{signaler: signaler, ice: ice, logger: logger}
}

// Link is an established peer connection with one open data channel.
type Link struct {
	peer       string
	conn       *DataChannelConn
	connection *webrtc.PeerConnection
}

// Peer is the remote signaler identity.
func (l *Link) Peer() string { return l.peer }

// Conn is the data channel as a stream.
func (l *Link) Conn() net.Conn { return l.conn }

// Close closes the data channel and the peer connection.
func (l *Link) Close() error {
	return errors.Join(l.conn.Close(), l.connection.Close())
}

// Dial offers a connection to peer and waits until the data channel
// is open. Signals from other peers received meanwhile are discarded.
func (e *Endpoint) Dial(ctx context.Context, peer string) (*Link, error) {
	ctx, cancel := context.WithTimeout(ctx, establishTimeout)
	defer cancel()

	connection, err := e.newPeerConnection()
	if err != nil {
		return nil, err
	}
	link, err := e.dial(ctx, connection, peer)
	if err != nil {
		connection.Close()
		return nil, fmt.Errorf("dialing %s: %w", peer, err)
	}
	return link, nil
}

func (e *Endpoint) dial(ctx context.Context, connection *webrtc.PeerConnection, peer string) (*Link, error) {
	failed := e.watch(connection, peer)

	ordered := true
	channel, err := connection.CreateDataChannel(ChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	opened := make(chan struct{})
	channel.OnOpen(func() { close(opened) })

	offer, err := connection.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("creating offer: %w", err)
	}
	sdp, err := gather(ctx, connection, offer)
	if err != nil {
		return nil, err
	}
	if err := e.signaler.Send(ctx, peer, Signal{Kind: Offer, SDP: sdp}); err != nil {
		return nil, fmt.Errorf("sending offer: %w", err)
	}
	e.logger.Debug("offer sent", "peer", peer)

	answer, err := e.await(ctx, Answer, peer)
	if err != nil {
		return nil, fmt.Errorf("waiting for answer: %w", err)
	}
	if err := connection.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		return nil, fmt.Errorf("setting remote description: %w", err)
	}

	select {
	case <-opened:
	case <-failed:
		return nil, errors.New("peer connection failed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	raw, err := channel.Detach()
	if err != nil {
		return nil, fmt.Errorf("detaching data channel: %w", err)
	}
	e.logger.Info("link established", "peer", peer, "role", "offerer")
	return e.newLink(connection, raw, peer), nil
}

// Accept waits for an offer from any peer, answers it, and waits until
// the offerer's data channel is open.
func (e *Endpoint) Accept(ctx context.Context) (*Link, error) {
	offer, err := e.await(ctx, Offer, "")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, establishTimeout)
	defer cancel()

	connection, err := e.newPeerConnection()
	if err != nil {
		return nil, err
	}
	link, err := e.accept(ctx, connection, offer)
	if err != nil {
		connection.Close()
		return nil, fmt.Errorf("answering %s: %w", offer.From, err)
	}
	return link, nil
}

type detached struct {
	raw io.ReadWriteCloser
	err error
}

func (e *Endpoint) accept(ctx context.Context, connection *webrtc.PeerConnection, offer Signal) (*Link, error) {
	failed := e.watch(connection, offer.From)

	channels := make(chan detached, 1)
	connection.OnDataChannel(func(channel *webrtc.DataChannel) {
		if channel.Label() != ChannelLabel {
			e.logger.Debug("closing unexpected data channel", "label", channel.Label())
			channel.Close()
			return
		}
		channel.OnOpen(func() {
			raw, err := channel.Detach()
			select {
			case channels <- detached{raw: raw, err: err}:
			default:
				if raw != nil {
					raw.Close()
				}
			}
		})
	})

	if err := connection.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return nil, fmt.Errorf("setting remote description: %w", err)
	}
	answer, err := connection.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("creating answer: %w", err)
	}
	sdp, err := gather(ctx, connection, answer)
	if err != nil {
		return nil, err
	}
	if err := e.signaler.Send(ctx, offer.From, Signal{Kind: Answer, SDP: sdp}); err != nil {
		return nil, fmt.Errorf("sending answer: %w", err)
	}
	e.logger.Debug("answer sent", "peer", offer.From)

	select {
	case result := <-channels:
		if result.err != nil {
			return nil, fmt.Errorf("detaching data channel: %w", result.err)
		}
		e.logger.Info("link established", "peer", offer.From, "role", "answerer")
		return e.newLink(connection, result.raw, offer.From), nil
	case <-failed:
		return nil, errors.New("peer connection failed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// await returns the next signal of kind, from peer unless peer is
// empty.
func (e *Endpoint) await(ctx context.Context, kind SignalKind, peer string) (Signal, error) {
	for {
		signal, err := e.signaler.Receive(ctx)
		if err != nil {
			return Signal{}, err
		}
		if signal.Kind == kind && (peer == "" || signal.From == peer) {
			return signal, nil
		}
		e.logger.Debug("ignoring signal",
			"kind", signal.Kind.String(),
			"from", signal.From,
			"want", kind.String(),
		)
	}
}

// watch logs state changes of connection and returns a channel closed
// when it fails.
func (e *Endpoint) watch(connection *webrtc.PeerConnection, peer string) <-chan struct{} {
	failed := make(chan struct{})
	connection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.logger.Debug("peer connection state", "peer", peer, "state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			select {
			case <-failed:
			default:
				close(failed)
			}
		}
	})
	return failed
}

func (e *Endpoint) newLink(connection *webrtc.PeerConnection, raw io.ReadWriteCloser, peer string) *Link {
	return &Link{
		peer:       peer,
		conn:       NewDataChannelConn(raw, e.signaler.Identity()+"/"+ChannelLabel, peer+"/"+ChannelLabel),
		connection: connection,
	}
}

// gather sets description as the local description and waits for ICE
// gathering to finish, returning the SDP with every candidate.
func gather(ctx context.Context, connection *webrtc.PeerConnection, description webrtc.SessionDescription) (string, error) {
	complete := webrtc.GatheringCompletePromise(connection)
	if err := connection.SetLocalDescription(description); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	timer := time.NewTimer(iceGatherTimeout)
	defer timer.Stop()
	select {
	case <-complete:
	case <-timer.C:
		return "", fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return connection.LocalDescription().SDP, nil
}

func (e *Endpoint) newPeerConnection() (*webrtc.PeerConnection, error) {
	settings := webrtc.SettingEngine{}
	settings.DetachDataChannels()
	settings.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))
	connection, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: e.ice.Servers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	return connection, nil
}
