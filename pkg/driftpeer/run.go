// Package driftpeer is the library surface named by spec.md §6's
// process boundary: two entry points, RunHost and RunController, each
// taking a *config.Config and blocking until ctx is cancelled or the
// session ends unrecoverably.
//
// Grounded on the teacher's runAgent/cmd wiring (cmd/breeze-agent/
// main.go): load config, build a logger, wire subsystems, wait for a
// shutdown signal, tear down gracefully. The teacher's single run loop
// is split in two here because spec.md describes two distinct process
// roles (host offers media, controller drives input) sharing one
// coordinator implementation.
package driftpeer

import (
	"context"
	"time"

	"github.com/driftpeer/core/internal/capture"
	"github.com/driftpeer/core/internal/clipboard"
	"github.com/driftpeer/core/internal/config"
	"github.com/driftpeer/core/internal/control"
	"github.com/driftpeer/core/internal/coordinator"
	"github.com/driftpeer/core/internal/corekind"
	"github.com/driftpeer/core/internal/encode"
	"github.com/driftpeer/core/internal/frame"
	"github.com/driftpeer/core/internal/inputsink"
	"github.com/driftpeer/core/internal/logging"
	"github.com/driftpeer/core/internal/peer"
	"github.com/driftpeer/core/internal/permission"
	"github.com/driftpeer/core/internal/profile"
	"github.com/driftpeer/core/internal/signaling"
)

var log = logging.L("driftpeer")

const registerTimeout = 10 * time.Second

func iceServers(cfg *config.Config) []peer.ICEServer {
	out := make([]peer.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		out = append(out, peer.ICEServer{URLs: []string{s.URL}, Username: s.Username, Credential: s.Credential})
	}
	return out
}

func captureConfig(cfg *config.Config) capture.Config {
	c := capture.DefaultConfig()
	c.TargetHz = cfg.TargetFPS
	return c
}

func encodeConfig(cfg *config.Config) encode.Config {
	e := encode.DefaultConfig()
	e.BitrateBPS = cfg.TargetBitrateBPS
	e.KeyframeInterval = cfg.KeyframeInterval
	switch cfg.HardwareAccel {
	case "require":
		e.Accel = encode.AccelRequire
	case "forbid":
		e.Accel = encode.AccelForbid
	default:
		e.Accel = encode.AccelPrefer
	}
	return e
}

func resolveDeviceID(cfg *config.Config, store *profile.Store) string {
	if cfg.DeviceID != "" {
		return cfg.DeviceID
	}
	return store.DeviceID()
}

// deviceIdentity loads the persisted profile store and resolves this
// process's device id, preferring an explicit config override per
// spec.md §6 ("device_id: if absent, generated").
func deviceIdentity(cfg *config.Config) (*profile.Store, string, error) {
	path := cfg.ProfilePath
	if path == "" {
		path = profile.DefaultPath()
	}
	store, err := profile.Load(path)
	if err != nil {
		return nil, "", corekind.Wrap(corekind.ConfigError, "driftpeer", "failed to load profile store", err)
	}
	return store, resolveDeviceID(cfg, store), nil
}

func buildGate(cfg *config.Config) *permission.Gate {
	granted := make([]permission.Capability, 0, len(cfg.Permissions))
	for _, p := range cfg.Permissions {
		granted = append(granted, permission.Capability(p))
	}
	return permission.NewGate(permission.NewDescriptor(granted))
}

func newInputSink(monitors []frame.Monitor, gate *permission.Gate) *inputsink.Sink {
	return inputsink.New(inputsink.NewPlatformBackend(), inputsink.NewStaticMonitorResolver(monitors), gate)
}

// RunHost implements the host process role (spec.md §6): registers
// with the signaling server, waits for an incoming offer from a
// controller, streams its display, and applies inbound control events
// until the session ends or ctx is cancelled.
func RunHost(ctx context.Context, cfg *config.Config) error {
	store, deviceID, err := deviceIdentity(cfg)
	if err != nil {
		return err
	}

	backend, err := capture.NewPortableBackend()
	if err != nil {
		return corekind.Wrap(corekind.CaptureLost, "driftpeer", "failed to initialize capture backend", err)
	}
	monitors, err := backend.Enumerate()
	if err != nil {
		return corekind.Wrap(corekind.CaptureLost, "driftpeer", "failed to enumerate monitors", err)
	}

	gate := buildGate(cfg)
	sink := newInputSink(monitors, gate)

	coord := coordinator.New(coordinator.Config{
		ICEServers: iceServers(cfg),
		CaptureCfg: captureConfig(cfg),
		EncodeCfg:  encodeConfig(cfg),
		Backend:    backend,
		OnStateChange: func(st coordinator.State) {
			log.Info("host session state", "state", st.String())
		},
	})

	var sig *signaling.Client
	offerFrom := make(chan signaling.Envelope, 1)

	sig = signaling.New(signaling.Config{
		ServerURL:  cfg.SignalingURL,
		DeviceID:   deviceID,
		DeviceName: cfg.DeviceName,
	}, func(env signaling.Envelope) {
		switch env.Kind {
		case signaling.KindOffer:
			select {
			case offerFrom <- env:
			default:
				log.Warn("dropping extra offer, session already in progress", "from", env.From)
			}
		case signaling.KindICECandidate:
			if candidate, err := signaling.ParseCandidate(env); err == nil {
				if err := coord.AddRemoteCandidate(candidate); err != nil {
					log.Warn("failed to add remote ICE candidate", "error", err)
				}
			}
		case signaling.KindBye:
			coord.Stop()
		}
	})
	coord.AttachSignaling(sig)

	sig.Start()
	defer sig.Stop()

	if err := coord.RegisterAndAwaitReady(registerTimeout); err != nil {
		return err
	}

	log.Info("host ready, awaiting controller offer", "deviceId", deviceID)

	select {
	case env := <-offerFrom:
		remoteSDP, err := signaling.ParseDescription(env)
		if err != nil {
			return corekind.Wrap(corekind.HandshakeFailed, "driftpeer", "malformed offer payload", err)
		}
		answer, err := coord.AcceptOffer(remoteSDP)
		if err != nil {
			return err
		}
		if err := sig.SendAnswer(env.From, answer); err != nil {
			return corekind.Wrap(corekind.SignalingUnreachable, "driftpeer", "failed to send answer", err)
		}
		if err := store.UpsertPeer(profile.PeerRecord{
			DeviceID: env.From,
			LastSeen: time.Now(),
		}); err != nil {
			log.Warn("failed to persist paired peer", "error", err)
		}
	case <-ctx.Done():
		coord.Stop()
		return ctx.Err()
	}

	ctl := control.New(control.Config{
		Sink:          sink,
		Clipboard:     clipboard.NewSystemClipboard(),
		ClipboardGate: gate,
		Send:          coord.SendControlMessage,
		OnStall: func() {
			log.Warn("control channel heartbeat stalled")
		},
		OnNotify: func(t inputsink.EventType) {
			log.Info("input denied, notifying controller", "eventType", t)
		},
	})
	coord.AttachControlChannel(ctl)

	<-ctx.Done()
	coord.Stop()
	return nil
}

// RunController implements the controller process role (spec.md §6):
// registers with the signaling server, offers a session to remoteID,
// and drives the peer's display until ctx is cancelled.
func RunController(ctx context.Context, cfg *config.Config, remoteID string) error {
	_, deviceID, err := deviceIdentity(cfg)
	if err != nil {
		return err
	}
	if remoteID == "" {
		return corekind.New(corekind.ConfigError, "driftpeer", "controller mode requires a remote device id")
	}

	coord := coordinator.New(coordinator.Config{
		ICEServers: iceServers(cfg),
		CaptureCfg: captureConfig(cfg),
		EncodeCfg:  encodeConfig(cfg),
		RemoteID:   remoteID,
		OnStateChange: func(st coordinator.State) {
			log.Info("controller session state", "state", st.String())
		},
	})

	var sig *signaling.Client
	answerFrom := make(chan signaling.Envelope, 1)

	sig = signaling.New(signaling.Config{
		ServerURL:  cfg.SignalingURL,
		DeviceID:   deviceID,
		DeviceName: cfg.DeviceName,
	}, func(env signaling.Envelope) {
		switch env.Kind {
		case signaling.KindAnswer:
			select {
			case answerFrom <- env:
			default:
			}
		case signaling.KindICECandidate:
			if candidate, err := signaling.ParseCandidate(env); err == nil {
				if err := coord.AddRemoteCandidate(candidate); err != nil {
					log.Warn("failed to add remote ICE candidate", "error", err)
				}
			}
		case signaling.KindBye:
			coord.Stop()
		}
	})
	coord.AttachSignaling(sig)

	sig.Start()
	defer sig.Stop()

	if err := coord.RegisterAndAwaitReady(registerTimeout); err != nil {
		return err
	}

	offer, err := coord.CreateOffer()
	if err != nil {
		return err
	}
	if err := sig.SendOffer(remoteID, offer); err != nil {
		return corekind.Wrap(corekind.SignalingUnreachable, "driftpeer", "failed to send offer", err)
	}

	select {
	case env := <-answerFrom:
		remoteSDP, err := signaling.ParseDescription(env)
		if err != nil {
			return corekind.Wrap(corekind.HandshakeFailed, "driftpeer", "malformed answer payload", err)
		}
		if err := coord.AcceptAnswer(remoteSDP); err != nil {
			return err
		}
	case <-ctx.Done():
		coord.Stop()
		return ctx.Err()
	}

	// The controller accepts clipboard pushes from the host; mouse/
	// keyboard capabilities are irrelevant on this side of the session,
	// so only the clipboard capability is meaningful here.
	gate := buildGate(cfg)
	sink := inputsink.New(inputsink.NewPlatformBackend(), inputsink.NewStaticMonitorResolver(nil), gate)
	ctl := control.New(control.Config{
		Sink:          sink,
		Clipboard:     clipboard.NewSystemClipboard(),
		ClipboardGate: gate,
		Send:          coord.SendControlMessage,
		OnStall: func() {
			log.Warn("control channel heartbeat stalled")
		},
	})
	coord.AttachControlChannel(ctl)

	<-ctx.Done()
	coord.Stop()
	return nil
}

// ExitCode maps a returned error to spec.md §6's process exit codes:
// 0 normal, 1 configuration error, 2 signaling unreachable,
// 3 capture unavailable, 4 encoder unavailable.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var kerr *corekind.Error
	if e, ok := err.(*corekind.Error); ok {
		kerr = e
	} else {
		return 1
	}
	switch kerr.Kind {
	case corekind.ConfigError:
		return 1
	case corekind.SignalingUnreachable:
		return 2
	case corekind.CaptureLost, corekind.CaptureTransient:
		return 3
	case corekind.EncoderUnavailable:
		return 4
	default:
		return 1
	}
}
