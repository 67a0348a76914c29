package jibri

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"mellium.im/xmpp/jid"

	"github.com/confmesh/focus/internal/focus/metrics"
	"github.com/confmesh/focus/internal/focus/xmpp"
)

// Kind separates the session flavors sharing the lifecycle.
type Kind int

const (
	KindRecording Kind = iota
	KindStreaming
	KindSip
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindRecording:
		return "recording"
	case KindStreaming:
		return "streaming"
	case KindSip:
		return "sip"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// SessionConfig carries the retry knobs.
type SessionConfig struct {
	// PendingTimeout bounds how long a worker may stay pending before the
	// session retries elsewhere.
	PendingTimeout time.Duration
	// NumRetries bounds how many fresh workers are tried after failures.
	NumRetries int
	// RequestTimeout bounds the start/stop IQ exchanges.
	RequestTimeout time.Duration
}

func (c *SessionConfig) defaults() {
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = 30 * time.Second
	}
	if c.NumRetries <= 0 {
		c.NumRetries = 2
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
}

// StatusListener observes session status changes, used by the dispatcher to
// republish room presence and clean up ended sessions.
type StatusListener func(s *Session, status xmpp.JibriStatus, failureReason string)

// Session is one recording, streaming or SIP gateway run.
type Session struct {
	id   string
	kind Kind
	room jid.JID

	streamID    string
	youtubeID   string
	sipAddress  string
	displayName string

	conn     xmpp.Connection
	detector *Detector
	cfg      SessionConfig
	listener StatusListener

	mu           sync.Mutex
	status       xmpp.JibriStatus
	worker       jid.JID
	hasWorker    bool
	retries      int
	pendingTimer *time.Timer
	done         bool
}

func newSession(kind Kind, room jid.JID, conn xmpp.Connection, detector *Detector, cfg SessionConfig, listener StatusListener) *Session {
	cfg.defaults()
	return &Session{
		id:       uuid.NewString(),
		kind:     kind,
		room:     room,
		conn:     conn,
		detector: detector,
		cfg:      cfg,
		listener: listener,
		status:   xmpp.JibriStatusPending,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Kind returns the session flavor.
func (s *Session) Kind() Kind { return s.kind }

// SipAddress returns the SIP peer address, empty for recording/streaming.
func (s *Session) SipAddress() string { return s.sipAddress }

// Mode returns the recording mode advertised in status extensions.
func (s *Session) Mode() xmpp.RecordingMode {
	if s.kind == KindStreaming {
		return xmpp.RecordingModeStream
	}
	return xmpp.RecordingModeFile
}

// Status returns the current session status.
func (s *Session) Status() xmpp.JibriStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) startPayload() xmpp.JibriPayload {
	return xmpp.JibriPayload{
		Action:             xmpp.JibriActionStart,
		SessionID:          s.id,
		Room:               s.room.String(),
		RecordingMode:      s.Mode(),
		StreamID:           s.streamID,
		YouTubeBroadcastID: s.youtubeID,
		SipAddress:         s.sipAddress,
		DisplayName:        s.displayName,
	}
}

// Start selects a worker and sends it the start order. On worker-level
// failure it retries with a fresh selection up to NumRetries times.
func (s *Session) Start(ctx context.Context) error {
	for {
		worker, err := s.detector.SelectJibri()
		if err != nil {
			return err
		}
		if err := s.startOn(ctx, worker); err == nil {
			return nil
		}

		s.mu.Lock()
		s.retries++
		out := s.retries > s.cfg.NumRetries
		s.mu.Unlock()
		if out {
			metrics.JibriFailures.Inc()
			return fmt.Errorf("giving up after %d attempts", s.retries)
		}
	}
}

func (s *Session) startOn(ctx context.Context, worker jid.JID) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	result, err := s.conn.SendIQ(ctx, xmpp.IQ{
		To:      worker,
		From:    s.conn.JID(),
		Type:    xmpp.IQSet,
		Payload: s.startPayload(),
	})
	if err != nil || result == nil || result.Error != nil {
		s.detector.InstanceFailed(worker)
		slog.Warn("[Jibri] Start order failed",
			"session", s.id,
			"worker", worker.String(),
			"error", err)
		return fmt.Errorf("start order to %s failed", worker.String())
	}

	s.mu.Lock()
	s.worker = worker
	s.hasWorker = true
	s.status = xmpp.JibriStatusPending
	s.armPendingTimerLocked()
	s.mu.Unlock()

	slog.Info("[Jibri] Session started",
		"session", s.id,
		"kind", s.kind.String(),
		"room", s.room.String(),
		"worker", worker.String())
	s.notify(xmpp.JibriStatusPending, "")
	return nil
}

func (s *Session) armPendingTimerLocked() {
	if s.pendingTimer != nil {
		s.pendingTimer.Stop()
	}
	s.pendingTimer = time.AfterFunc(s.cfg.PendingTimeout, s.pendingTimedOut)
}

// pendingTimedOut fires when the worker never reached On: cool the worker
// down and retry with a fresh selection.
func (s *Session) pendingTimedOut() {
	s.mu.Lock()
	if s.done || s.status != xmpp.JibriStatusPending {
		s.mu.Unlock()
		return
	}
	worker := s.worker
	hadWorker := s.hasWorker
	s.hasWorker = false
	s.retries++
	out := s.retries > s.cfg.NumRetries
	s.mu.Unlock()

	if hadWorker {
		s.detector.InstanceFailed(worker)
	}
	metrics.JibriFailures.Inc()
	slog.Warn("[Jibri] Pending timeout",
		"session", s.id,
		"worker", worker.String(),
		"retries", s.retries)

	if out {
		s.end("pending timeout")
		return
	}
	if err := s.Start(context.Background()); err != nil {
		s.end(err.Error())
	}
}

// HandleWorkerUpdate consumes a status IQ from the worker running this
// session.
func (s *Session) HandleWorkerUpdate(p xmpp.JibriPayload) {
	switch p.Status {
	case xmpp.JibriStatusOn:
		s.mu.Lock()
		if s.done {
			s.mu.Unlock()
			return
		}
		s.status = xmpp.JibriStatusOn
		if s.pendingTimer != nil {
			s.pendingTimer.Stop()
		}
		s.mu.Unlock()
		slog.Info("[Jibri] Session running", "session", s.id)
		s.notify(xmpp.JibriStatusOn, "")

	case xmpp.JibriStatusOff:
		if p.FailureReason != "" {
			s.workerFailed(p.FailureReason, p.ShouldRetry)
			return
		}
		s.end("")

	case xmpp.JibriStatusPending:
		// Still warming up; the pending timer keeps running.
	}
}

func (s *Session) workerFailed(reason string, shouldRetry bool) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	worker := s.worker
	hadWorker := s.hasWorker
	s.hasWorker = false
	s.retries++
	out := !shouldRetry || s.retries > s.cfg.NumRetries
	s.mu.Unlock()

	if hadWorker {
		s.detector.InstanceFailed(worker)
	}
	metrics.JibriFailures.Inc()
	slog.Warn("[Jibri] Worker reported failure",
		"session", s.id,
		"worker", worker.String(),
		"reason", reason,
		"retry", !out)

	if out {
		s.end(reason)
		return
	}
	if err := s.Start(context.Background()); err != nil {
		s.end(err.Error())
	}
}

// Stop sends the stop order and ends the session.
func (s *Session) Stop(ctx context.Context) {
	s.mu.Lock()
	worker := s.worker
	hasWorker := s.hasWorker && !s.done
	s.mu.Unlock()

	if hasWorker {
		if err := s.conn.SendStanza(xmpp.IQ{
			To:      worker,
			From:    s.conn.JID(),
			Type:    xmpp.IQSet,
			Payload: xmpp.JibriPayload{
				Action:    xmpp.JibriActionStop,
				SessionID: s.id,
			},
		}); err != nil {
			slog.Warn("[Jibri] Stop order failed",
				"session", s.id,
				"worker", worker.String(),
				"error", err)
		}
	}
	s.end("")
}

// end finishes the session exactly once.
func (s *Session) end(failureReason string) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.status = xmpp.JibriStatusOff
	if s.pendingTimer != nil {
		s.pendingTimer.Stop()
	}
	s.mu.Unlock()

	slog.Info("[Jibri] Session ended",
		"session", s.id,
		"kind", s.kind.String(),
		"failure", failureReason)
	s.notify(xmpp.JibriStatusOff, failureReason)
}

func (s *Session) notify(status xmpp.JibriStatus, failureReason string) {
	if s.listener != nil {
		s.listener(s, status, failureReason)
	}
}
