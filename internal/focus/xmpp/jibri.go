package xmpp

// JibriNS routes Jibri IQs between the focus, clients and Jibri workers.
const JibriNS = "http://jitsi.org/protocol/jibri"

// JibriAction is the action attribute of a Jibri IQ.
type JibriAction string

const (
	JibriActionStart JibriAction = "start"
	JibriActionStop  JibriAction = "stop"
)

// JibriStatus is the status a Jibri worker reports for a session.
type JibriStatus string

const (
	JibriStatusPending JibriStatus = "pending"
	JibriStatusOn      JibriStatus = "on"
	JibriStatusOff     JibriStatus = "off"
)

// RecordingMode selects file recording versus live streaming.
type RecordingMode string

const (
	RecordingModeFile   RecordingMode = "file"
	RecordingModeStream RecordingMode = "stream"
)

// JibriPayload is the typed view of a Jibri IQ: start/stop requests from
// participants, start orders to workers, and status updates back.
type JibriPayload struct {
	Action             JibriAction
	Status             JibriStatus
	SessionID          string
	Room               string
	RecordingMode      RecordingMode
	StreamID           string
	YouTubeBroadcastID string
	SipAddress         string
	DisplayName        string
	AppData            string
	// FailureReason is set on status updates when the worker failed.
	FailureReason string
	// ShouldRetry tells the focus whether the failure is worth retrying on
	// another instance.
	ShouldRetry bool
}

func (JibriPayload) payloadName() string { return "jibri" }
