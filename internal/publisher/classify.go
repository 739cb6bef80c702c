package publisher

import "strings"

// Signal is the machine-readable error category attached to a failed Result.
// Publishers that can produce structured codes should set it directly;
// Classify falls back to message matching for the rest.
type Signal string

const (
	SignalNone       Signal = ""
	SignalTransient  Signal = "transient"
	SignalCredential Signal = "credential"
	SignalFatal      Signal = "fatal"
)

// Kind is how the scheduler must react to a failure.
type Kind int

const (
	KindTransient  Kind = iota // retry, consuming retry budget
	KindCredential             // trigger repair, no retry cost
	KindFatal                  // fail immediately
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindCredential:
		return "credential"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// The substring tables are the single place error-message matching lives.
// Matching free text is fragile; keep every marker here so the taxonomy
// stays testable and call sites never string-match on their own.
var credentialMarkers = []string{
	"invalid_grant",
	"token has been expired or revoked",
	"token expired",
	"token revoked",
	"credentials are invalid",
	"unauthorized",
	"access denied",
	"re-authenticate",
	"invalid_client",
}

var transientMarkers = []string{
	"rate limit",
	"quota exceeded",
	"too many requests",
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
	"backend error",
	"internal error",
	"502",
	"503",
	"429",
}

var fatalMarkers = []string{
	"file not found",
	"no such file",
	"unsupported format",
	"invalid format",
	"file too large",
	"malformed",
	"account disabled",
	"account not found",
	"rejected",
}

// Classify maps a failed publish attempt onto the reaction taxonomy.
//
// Precedence: an explicit Signal wins; otherwise the message is matched
// credential-first (a revoked token often arrives wrapped in generic upload
// error text). Unmatched messages are fatal at the task level; an unknown
// error must not burn the retry budget on something that will never succeed.
func Classify(r Result) Kind {
	switch r.Signal {
	case SignalTransient:
		return KindTransient
	case SignalCredential:
		return KindCredential
	case SignalFatal:
		return KindFatal
	}

	msg := strings.ToLower(r.Message)
	for _, m := range credentialMarkers {
		if strings.Contains(msg, m) {
			return KindCredential
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return KindTransient
		}
	}
	for _, m := range fatalMarkers {
		if strings.Contains(msg, m) {
			return KindFatal
		}
	}
	return KindFatal
}
