package xmpp

import (
	"strconv"
)

// Namespaces of the presence extensions the focus reads and writes.
const (
	BridgeStatusNS    = "http://jitsi.org/protocol/colibri"
	JibriStatusNS     = "http://jitsi.org/protocol/jibri-status"
	RecordingStatusNS = "http://jitsi.org/protocol/jibri-recording-status"
	SipCallStateNS    = "http://jitsi.org/protocol/jibri-sip-call-state"
)

// BridgeStatus is a bridge's self-advertised state, published as a presence
// extension in the bridge brewery MUC.
type BridgeStatus struct {
	Stress             float64
	Region             string
	Version            string
	RelayID            string
	Operational        bool
	Drain              bool
	ShutdownInProgress bool
}

// ParseBridgeStatus extracts the bridge status from an occupant's presence.
// ok is false when the occupant carries no bridge status extension.
func ParseBridgeStatus(o Occupant) (BridgeStatus, bool) {
	ext, found := o.Extension(BridgeStatusNS)
	if !found {
		return BridgeStatus{}, false
	}

	status := BridgeStatus{Operational: true}
	if v, ok := ext.Attrs["stress-level"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			status.Stress = f
		}
	}
	status.Region = ext.Attrs["region"]
	status.Version = ext.Attrs["version"]
	status.RelayID = ext.Attrs["relay-id"]
	if v, ok := ext.Attrs["healthy"]; ok {
		status.Operational = v != "false"
	}
	status.Drain = ext.Attrs["drain"] == "true"
	status.ShutdownInProgress = ext.Attrs["graceful-shutdown"] == "true"
	return status, true
}

// JibriWorkerStatus is a Jibri worker's self-advertised state from the jibri
// brewery MUC.
type JibriWorkerStatus struct {
	Healthy bool
	Busy    bool
}

// ParseJibriWorkerStatus extracts the jibri status from an occupant's
// presence. ok is false without the extension.
func ParseJibriWorkerStatus(o Occupant) (JibriWorkerStatus, bool) {
	ext, found := o.Extension(JibriStatusNS)
	if !found {
		return JibriWorkerStatus{}, false
	}
	return JibriWorkerStatus{
		Healthy: ext.Attrs["health"] != "unhealthy",
		Busy:    ext.Attrs["busy"] == "busy",
	}, true
}

// RecordingStatusExtension builds the presence extension the focus publishes
// on the conference MUC to mirror a recording/streaming session's state.
func RecordingStatusExtension(sessionID string, status JibriStatus, mode RecordingMode, failureReason string) PresenceExtension {
	attrs := map[string]string{
		"session_id": sessionID,
		"status":     string(status),
		"mode":       string(mode),
	}
	if failureReason != "" {
		attrs["failure_reason"] = failureReason
	}
	return PresenceExtension{
		Namespace: RecordingStatusNS,
		Name:      "jibri-recording-status",
		Attrs:     attrs,
	}
}

// SipCallStateExtension builds the presence extension mirroring one SIP
// gateway session's state.
func SipCallStateExtension(sessionID, sipAddress string, status JibriStatus, failureReason string) PresenceExtension {
	attrs := map[string]string{
		"session_id":  sessionID,
		"sip_address": sipAddress,
		"state":       string(status),
	}
	if failureReason != "" {
		attrs["failure_reason"] = failureReason
	}
	return PresenceExtension{
		Namespace: SipCallStateNS,
		Name:      "jibri-sip-call-state",
		Attrs:     attrs,
	}
}
