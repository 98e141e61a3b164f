//go:build linux

package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/velora-app/callkit/lib/logger/sl"
)

// NewMediaProvider builds the mediadevices-backed capture provider
// (V4L2 + malgo on Linux). Pass disabled to force the null provider, e.g.
// for headless test deployments.
func NewMediaProvider(disabled bool, log *slog.Logger) MediaProvider {
	if log == nil {
		log = slog.Default()
	}
	if disabled {
		return disabledProvider{}
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		log.Error("vp8 codec init failed", sl.Err(err))
		return disabledProvider{}
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		log.Error("opus codec init failed", sl.Err(err))
		return disabledProvider{}
	}

	return &mediadevicesProvider{
		log: log,
		codec: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}
}

type mediadevicesProvider struct {
	log   *slog.Logger
	codec *mediadevices.CodecSelector

	mu        sync.Mutex
	cameraIdx int
}

func (p *mediadevicesProvider) Available() bool { return true }

func (p *mediadevicesProvider) NewPeerConnection(servers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	p.codec.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief NAT/relay hiccup does not end the
	// call; the default 5 s disconnectedTimeout is too short for mobile
	// network handovers.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	return api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
}

func (p *mediadevicesProvider) GetUserMedia(enableVideo bool) (*LocalMedia, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: p.codec}
	constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	if enableVideo {
		constraints.Video = p.videoConstraints("")
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaAccessDenied, err)
	}

	media := &LocalMedia{}
	for _, track := range stream.GetTracks() {
		track.OnEnded(func(err error) {
			if err != nil {
				p.log.Warn("local track ended", sl.Err(err))
			}
		})
		captured := &capturedTrack{t: track}
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			media.Audio = captured
		case webrtc.RTPCodecTypeVideo:
			media.Video = captured
		}
	}
	return media, nil
}

// SwitchCamera cycles through the enumerated camera devices and opens the
// next one.
func (p *mediadevicesProvider) SwitchCamera() (LocalTrack, error) {
	var cameras []mediadevices.MediaDeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			cameras = append(cameras, d)
		}
	}
	if len(cameras) < 2 {
		return nil, ErrNoCamera
	}

	p.mu.Lock()
	p.cameraIdx = (p.cameraIdx + 1) % len(cameras)
	next := cameras[p.cameraIdx]
	p.mu.Unlock()

	constraints := mediadevices.MediaStreamConstraints{
		Codec: p.codec,
		Video: p.videoConstraints(next.DeviceID),
	}
	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaAccessDenied, err)
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, ErrNoCamera
	}
	p.log.Info("camera opened", slog.String("device", next.Label))
	return &capturedTrack{t: tracks[0]}, nil
}

func (p *mediadevicesProvider) videoConstraints(deviceID string) mediadevices.MediaOption {
	return func(c *mediadevices.MediaTrackConstraints) {
		if deviceID != "" {
			c.DeviceID = prop.StringExact(deviceID)
		}
		// Raw formats only: some cameras expose an MJPEG node that
		// produces malformed frames and poisons the VP8 encoder.
		c.FrameFormat = prop.FrameFormatOneOf{
			frame.FormatYUYV,
			frame.FormatI420,
			frame.FormatI444,
			frame.FormatRGBA,
		}
		c.Width = prop.IntRanged{Max: 1280}
		c.Height = prop.IntRanged{Max: 720}
	}
}

// capturedTrack adapts a mediadevices track to the engine's LocalTrack.
type capturedTrack struct {
	t mediadevices.Track
}

func (c *capturedTrack) Track() webrtc.TrackLocal  { return c.t }
func (c *capturedTrack) Kind() webrtc.RTPCodecType { return c.t.Kind() }
func (c *capturedTrack) Close() error              { return c.t.Close() }
