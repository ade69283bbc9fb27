package transport

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// DefaultICEServers are the public STUN servers used for candidate
// gathering. No TURN: calls rely on a direct path between the peers.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Options configures peer connections built by a Factory.
type Options struct {
	// ICEServers defaults to DefaultICEServers when empty.
	ICEServers []string
}

// Factory creates peer connections for the engine. Tests substitute fakes.
type Factory interface {
	NewConn() (Conn, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func() (Conn, error)

func (f FactoryFunc) NewConn() (Conn, error) { return f() }

type pionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewFactory builds a pion API with the default codecs and interceptors
// (NACK, RTCP reports, TWCC) registered. Every connection uses max-bundle.
func NewFactory(opts Options) (Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	servers := opts.ICEServers
	if len(servers) == 0 {
		servers = DefaultICEServers
	}

	return &pionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
		),
		config: webrtc.Configuration{
			ICEServers:   []webrtc.ICEServer{{URLs: servers}},
			BundlePolicy: webrtc.BundlePolicyMaxBundle,
		},
	}, nil
}

func (f *pionFactory) NewConn() (Conn, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return newPionConn(pc), nil
}
