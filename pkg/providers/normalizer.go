package providers

import (
	"fmt"

	"github.com/agenticwork/activitycore/pkg/activity"
)

// Normalizer folds one family's raw stream payloads into a Session, emitting
// canonical events in arrival order. Feed is called once per wire payload;
// Finish flushes any state the wire protocol leaves open (unterminated
// thinking tags, missing stop events) and reports the stop reason.
type Normalizer interface {
	Feed(payload []byte, s *activity.Session) ([]activity.Event, error)
	Finish(s *activity.Session) ([]activity.Event, activity.StopReason, error)
}

// NewNormalizer returns the normalizer for a wire dialect. Gateway
// transports should resolve the hosted model's dialect first; FamilyBedrock
// covers whatever hosted models have no dedicated dialect.
func NewNormalizer(family Family) (Normalizer, error) {
	switch family {
	case FamilyAnthropic:
		return newAnthropicNormalizer(), nil
	case FamilyOpenAI:
		return newOpenAINormalizer(), nil
	case FamilyGemini:
		return newGeminiNormalizer(), nil
	case FamilyDeepSeek:
		return newDeepSeekNormalizer(), nil
	case FamilyBedrock:
		return newBedrockNormalizer(), nil
	default:
		return nil, fmt.Errorf("unknown provider family: %s", family)
	}
}
