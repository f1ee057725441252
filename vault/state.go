package vault

// State is a vault's position in its lifecycle, the explicit state
// machine the specification asks for in place of the source's independent
// boolean flags (spec.md §9, "Per-record mutable flags -> explicit state
// machine").
type State int

const (
	// Discovered is the state immediately after insertion: the four
	// templates are built and locally signed, this stakeholder's own
	// signature on each of the three revocation templates has been pushed
	// to the signature-exchange server, and its unvault signature is
	// withheld.
	Discovered State = iota

	// EmergencySigned means all four stakeholders' signatures for the
	// emergency-from-vault template have been collected and its witness
	// assembled and mempool-accept-checked.
	EmergencySigned

	// RevocationsComplete means both the cancel and unvault-emergency
	// templates additionally have all four signatures assembled. This is
	// the gate that authorizes releasing this stakeholder's withheld
	// unvault signature (spec.md §4.7 step 4, the protocol's core safety
	// property).
	RevocationsComplete

	// Unvaulting means this stakeholder's unvault signature has been
	// pushed and the engine is now polling for the other three.
	Unvaulting

	// Secured means all four unvault signatures are assembled: the vault
	// is fully protected and ready for either a spend or an
	// unauthorized-unvault cancel.
	Secured

	// SpendInFlight means a spend has been initiated or accepted and its
	// resolution (accepted/refused/broadcast) is pending.
	SpendInFlight

	// Canceled means an unauthorized unvault was detected and this
	// stakeholder's chain watcher broadcast the cancel template; the
	// vault has been replaced by the cancel transaction's output.
	Canceled

	// EmergencySwept is terminal: the emergency transaction has been
	// broadcast (by any stakeholder) and this vault's funds are on their
	// way to cold storage.
	EmergencySwept
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case EmergencySigned:
		return "emergency_signed"
	case RevocationsComplete:
		return "revocations_complete"
	case Unvaulting:
		return "unvaulting"
	case Secured:
		return "secured"
	case SpendInFlight:
		return "spend_in_flight"
	case Canceled:
		return "canceled"
	case EmergencySwept:
		return "emergency_swept"
	default:
		return "unknown"
	}
}
