package smtpclient

// State is the progress of a submission session. States only move forward, a
// failure in any step ends the session.
type State int

const (
	StateConnected State = iota
	StateGreetingReceived
	StateCapabilitiesKnown
	StateUpgradeRequested
	StateSecureChannelActive
	StateCapabilitiesKnownSecure
	StateAuthenticated
	StateEnvelopeAccepted
	StateRecipientsAccepted
	StateDataPhase
	StateClosed
)

var stateNames = []string{
	"connected",
	"greetingreceived",
	"capabilitiesknown",
	"upgraderequested",
	"securechannelactive",
	"capabilitiesknownsecure",
	"authenticated",
	"envelopeaccepted",
	"recipientsaccepted",
	"dataphase",
	"closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
