package event

import (
	"encoding/json"
	"fmt"
)

// Decode rebuilds a typed operation from its event-log representation.
func Decode(eventType string, payload []byte) (Event, error) {
	var evt Event
	switch ParseEventType(eventType) {
	case EventTypeCreateAccount:
		evt = &CreateAccount{}
	case EventTypeDeposit:
		evt = &Deposit{}
	case EventTypeWithdraw:
		evt = &Withdraw{}
	case EventTypeAirdrop:
		evt = &Airdrop{}
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}

	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventType, err)
	}
	return evt, nil
}

// Encode is the payload Decode accepts.
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}
