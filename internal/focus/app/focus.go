// Package app wires the focus components together: fleet detectors, the
// conference manager, authentication, redistribution and the admin HTTP
// server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"mellium.im/xmpp/jid"

	"github.com/confmesh/focus/internal/focus/admin"
	"github.com/confmesh/focus/internal/focus/auth"
	"github.com/confmesh/focus/internal/focus/bridge"
	"github.com/confmesh/focus/internal/focus/conference"
	"github.com/confmesh/focus/internal/focus/config"
	"github.com/confmesh/focus/internal/focus/jibri"
	"github.com/confmesh/focus/internal/focus/jingle"
	"github.com/confmesh/focus/internal/focus/loadredist"
	"github.com/confmesh/focus/internal/focus/metrics"
	"github.com/confmesh/focus/internal/focus/xmpp"
)

// Transport builds the XMPP collaborators for a deployment. The focus itself
// ships no wire implementation; deployments register one, database/sql
// driver style.
type Transport func(cfg *config.Config) (xmpp.Connection, xmpp.MucClient, error)

var transport Transport

// RegisterTransport installs the XMPP transport implementation, typically
// from an init function in the deployment's main package.
func RegisterTransport(t Transport) { transport = t }

// DialTransport builds the collaborators with the registered transport.
func DialTransport(cfg *config.Config) (xmpp.Connection, xmpp.MucClient, error) {
	if transport == nil {
		return nil, nil, errors.New("no XMPP transport registered")
	}
	return transport(cfg)
}

// Focus is the assembled conference focus.
type Focus struct {
	cfg  *config.Config
	conn xmpp.Connection
	muc  xmpp.MucClient

	bridges     *bridge.Detector
	selector    *bridge.Selector
	jibris      *jibri.Detector
	registry    *jingle.Registry
	conferences *conference.Manager
	authStore   *auth.Store
	admission   *auth.Handler
	jibriRouter *jibriRouter
	redist      *loadredist.Redistributor
	admin       *admin.Server

	bridgeBrewery xmpp.Room
	jibriBrewery  xmpp.Room
}

// NewFocus wires the focus from its configuration and collaborators.
func NewFocus(cfg *config.Config, conn xmpp.Connection, muc xmpp.MucClient) (*Focus, error) {
	strategy, err := bridge.NewStrategy(cfg.SelectionStrategy)
	if err != nil {
		return nil, err
	}

	f := &Focus{
		cfg:  cfg,
		conn: conn,
		muc:  muc,
		bridges: bridge.NewDetector(bridge.DetectorConfig{
			RampupInterval:    cfg.ParticipantRampupInterval,
			PerEndpointStress: cfg.PerEndpointStress,
		}),
		jibris:   jibri.NewDetector(),
		registry: jingle.NewRegistry(),
	}
	f.selector = bridge.NewSelector(bridge.SelectorConfig{
		MaxStress:       cfg.MaxBridgeStress,
		FailureCooldown: cfg.BridgeFailureCooldown,
	}, f.bridges, strategy)

	f.conferences = conference.NewManager(conn, muc, f.selector, f.registry, conference.Config{
		FocusNick:         cfg.FocusNick,
		MaxSourcesPerUser: cfg.MaxSourcesPerUser,
		UseSsrcRewriting:  cfg.UseSsrcRewriting,
		RequestTimeout:    cfg.IQTimeout,
		JingleTimeout:     cfg.JingleTimeout,
	})

	if cfg.TrustedAuthDomain != "" {
		f.authStore = auth.NewStore(auth.StoreConfig{
			TrustedDomain:    cfg.TrustedAuthDomain,
			Lifetime:         cfg.AuthLifetime,
			DisableAutoLogin: cfg.DisableAutoLogin,
		})
	}
	f.admission = auth.NewHandler(f.authStore, f.conferences, conn.JID())

	f.jibriRouter = newJibriRouter(conn, f.jibris, f.conferences, jibri.SessionConfig{
		PendingTimeout: cfg.JibriPendingTimeout,
		NumRetries:     cfg.JibriRetries,
		RequestTimeout: cfg.IQTimeout,
	})

	f.redist = loadredist.NewRedistributor(f.bridges, conferenceStore{f.conferences})
	f.admin = admin.NewServer(cfg.HTTPAddr, f.bridges, f.admission, f.redist, f.conferences)

	f.bridges.AddListener(&fleetListener{focus: f})
	f.conferences.SetEndedListener(f.roomEnded)

	conn.RegisterIQHandler(xmpp.JingleNS, f.registry.HandleIQ)
	conn.RegisterIQHandler(xmpp.ConferenceNS, f.admission.HandleIQ)
	conn.RegisterIQHandler(xmpp.JibriNS, f.jibriRouter.HandleIQ)

	return f, nil
}

// Start joins the breweries and starts the admin server.
func (f *Focus) Start(ctx context.Context) error {
	brewery, err := jid.Parse(f.cfg.BridgeBrewery)
	if err != nil {
		return fmt.Errorf("bridge brewery JID: %w", err)
	}
	if f.bridgeBrewery, err = f.muc.JoinRoom(ctx, brewery, f.cfg.FocusNick, f.bridges); err != nil {
		return fmt.Errorf("joining bridge brewery: %w", err)
	}

	if f.cfg.JibriBrewery != "" {
		brewery, err := jid.Parse(f.cfg.JibriBrewery)
		if err != nil {
			return fmt.Errorf("jibri brewery JID: %w", err)
		}
		if f.jibriBrewery, err = f.muc.JoinRoom(ctx, brewery, f.cfg.FocusNick, f.jibris); err != nil {
			return fmt.Errorf("joining jibri brewery: %w", err)
		}
	}

	slog.Info("[Focus] Started",
		"focus", f.conn.JID().String(),
		"strategy", f.cfg.SelectionStrategy,
		"http", f.cfg.HTTPAddr)
	return f.admin.Start()
}

// Stop shuts the focus down: admin server first, then every conference.
func (f *Focus) Stop(ctx context.Context) {
	if err := f.admin.Stop(ctx); err != nil {
		slog.Warn("[Focus] Admin server shutdown", "error", err)
	}
	f.conferences.Stop()
	f.jibriRouter.StopAll()

	if f.jibriBrewery != nil {
		_ = f.jibriBrewery.Leave("shutting down")
	}
	if f.bridgeBrewery != nil {
		_ = f.bridgeBrewery.Leave("shutting down")
	}
	if f.authStore != nil {
		f.authStore.Close()
	}
	slog.Info("[Focus] Stopped")
}

// roomEnded releases per-room state after a conference is removed.
func (f *Focus) roomEnded(room jid.JID) {
	f.jibriRouter.conferenceEnded(room)
	if f.authStore != nil {
		f.authStore.ConferenceEnded(room)
	}
}

// fleetListener keeps the bridge gauges current and tells conferences about
// removed bridges.
type fleetListener struct {
	focus *Focus
}

func (l *fleetListener) BridgeAdded(b *bridge.Bridge) {
	metrics.OperationalBridges.Set(float64(l.focus.bridges.OperationalCount()))
}

func (l *fleetListener) BridgeRemoved(b *bridge.Bridge) {
	metrics.BridgesRemoved.Inc()
	metrics.OperationalBridges.Set(float64(l.focus.bridges.OperationalCount()))
	for _, c := range l.focus.conferences.Conferences() {
		c.OnBridgeRemoved(b.ID())
	}
}

func (l *fleetListener) BridgeBecameNonOperational(b *bridge.Bridge) {
	metrics.OperationalBridges.Set(float64(l.focus.bridges.OperationalCount()))
}

// conferenceStore adapts the conference manager to the redistributor.
type conferenceStore struct {
	m *conference.Manager
}

func (s conferenceStore) ConferenceByRoom(room jid.JID) (loadredist.Conference, bool) {
	c := s.m.Get(room)
	if c == nil {
		return nil, false
	}
	return c, true
}

func (s conferenceStore) AllConferences() []loadredist.Conference {
	confs := s.m.Conferences()
	out := make([]loadredist.Conference, len(confs))
	for i, c := range confs {
		out[i] = c
	}
	return out
}
