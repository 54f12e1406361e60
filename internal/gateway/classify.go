package gateway

// Outcome is the classification of one token result.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	// OutcomeTransient may succeed on retry.
	OutcomeTransient
	// OutcomeTerminal means the token will never succeed again.
	OutcomeTerminal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeTransient:
		return "transient"
	case OutcomeTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// CodeMissingResponse marks a requested token the gateway did not report on.
const CodeMissingResponse = "MISSING_RESPONSE"

var terminalCodes = map[string]struct{}{
	"UNREGISTERED":       {},
	"INVALID_ARGUMENT":   {},
	"INVALID_TOKEN":      {},
	"SENDER_ID_MISMATCH": {},
	"NOT_FOUND":          {},
}

// Classify maps a token result to an outcome. Any failure code not known to
// be terminal is transient.
func Classify(r TokenResult) Outcome {
	if r.Success {
		return OutcomeDelivered
	}
	if _, ok := terminalCodes[r.Code]; ok {
		return OutcomeTerminal
	}
	return OutcomeTransient
}
