package contractdb

// State tracks a contract through negotiation, funding and resolution.
type State uint8

const (
	// StateOffered is the initial state: an offer has been sent or
	// received, nothing is on chain.
	StateOffered State = 0

	// StateAccepted means a valid accept message has been processed.
	StateAccepted State = 1

	// StateSigned means the sign message has been processed and the
	// funding transaction is fully signed.
	StateSigned State = 2

	// StateBroadcast means the funding transaction has been handed to
	// the network.
	StateBroadcast State = 3

	// StateConfirmed means the funding transaction is confirmed and
	// the collateral is locked.
	StateConfirmed State = 4

	// StateClaimed is terminal: the local party settled with a CET or
	// the refund transaction.
	StateClaimed State = 5

	// StateRemoteClaimed is terminal: the counterparty's settlement
	// spend of the funding output was observed on chain.
	StateRemoteClaimed State = 6

	// StateRefunded is terminal: the refund transaction resolved the
	// contract after the refund timeout.
	StateRefunded State = 7

	// StateRejected is terminal: the offer was rejected before any
	// funding, leaving no on-chain footprint.
	StateRejected State = 8
)

// String returns a human readable state name.
func (s State) String() string {
	switch s {
	case StateOffered:
		return "Offered"
	case StateAccepted:
		return "Accepted"
	case StateSigned:
		return "Signed"
	case StateBroadcast:
		return "Broadcast"
	case StateConfirmed:
		return "Confirmed"
	case StateClaimed:
		return "Claimed"
	case StateRemoteClaimed:
		return "RemoteClaimed"
	case StateRefunded:
		return "Refunded"
	case StateRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether the state absorbs all further events.
func (s State) IsTerminal() bool {
	switch s {
	case StateClaimed, StateRemoteClaimed, StateRefunded, StateRejected:
		return true
	default:
		return false
	}
}

// legalTransitions is the contract state machine. Terminal states have no
// entry. Refunded is reachable only from Confirmed, never after a CET
// lands on chain, as the CET spend moves the contract to Claimed or
// RemoteClaimed first.
var legalTransitions = map[State][]State{
	StateOffered:   {StateAccepted, StateRejected},
	StateAccepted:  {StateSigned, StateRejected},
	StateSigned:    {StateBroadcast},
	StateBroadcast: {StateConfirmed},
	StateConfirmed: {
		StateClaimed, StateRemoteClaimed, StateRefunded,
	},
}

// CanTransitionTo reports whether moving from s to next is legal. Self
// transitions are allowed as idempotent re-persists.
func (s State) CanTransitionTo(next State) bool {
	if s == next {
		return true
	}

	for _, legal := range legalTransitions[s] {
		if legal == next {
			return true
		}
	}
	return false
}
