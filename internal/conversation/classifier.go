package conversation

import "strings"

// The classifiers are deterministic keyword scorers. They take no
// dependencies and touch no state so stage decisions stay reproducible
// and testable in isolation.

// lowerBackIndicators mark the target region.
var lowerBackIndicators = []string{
	"lower back",
	"lower spine",
	"lumbar",
	"tailbone",
	"coccyx",
	"sacrum",
	"small of my back",
}

// otherRegionIndicators mark regions outside the target condition.
var otherRegionIndicators = []string{
	"neck",
	"shoulder",
	"upper back",
	"knee",
	"ankle",
	"wrist",
	"elbow",
	"hip",
	"head",
	"chest",
	"stomach",
	"foot",
	"hand",
}

var consentPositive = []string{
	"yes",
	"yeah",
	"yep",
	"sure",
	"okay",
	"ok",
	"go ahead",
	"of course",
	"sounds good",
	"i agree",
	"absolutely",
	"please do",
}

var consentNegative = []string{
	"no",
	"not",
	"don't",
	"dont",
	"nope",
	"decline",
	"refuse",
	"stop",
}

func scoreIndicators(text string, indicators []string) int {
	score := 0
	for _, indicator := range indicators {
		if strings.Contains(text, indicator) {
			score++
		}
	}
	return score
}

// ClassifyPain maps a free-text pain description to a category and a
// confidence in [0,1].
//
// Ties between target and other indicators resolve toward the target
// region so borderline descriptions continue into the flow rather than
// exiting early.
func ClassifyPain(text string) PainClassification {
	lowered := strings.ToLower(text)
	lowerBackScore := scoreIndicators(lowered, lowerBackIndicators)
	otherScore := scoreIndicators(lowered, otherRegionIndicators)

	switch {
	case lowerBackScore > 0 && lowerBackScore >= otherScore:
		confidence := 0.5 + 0.1*float64(lowerBackScore)
		if confidence > 0.8 {
			confidence = 0.8
		}
		return PainClassification{Category: PainLowerBack, Confidence: confidence, RawDescription: text}
	case otherScore > 0:
		return PainClassification{Category: PainOther, Confidence: 0.9, RawDescription: text}
	default:
		return PainClassification{Category: PainUnknown, Confidence: 0, RawDescription: text}
	}
}

// ClassifyConsent maps a free-text reply to a consent decision. A nil
// result means the reply was ambiguous and the caller should re-prompt.
func ClassifyConsent(text string) *bool {
	lowered := strings.ToLower(text)
	positive := scoreIndicators(lowered, consentPositive)
	negative := scoreIndicators(lowered, consentNegative)

	switch {
	case positive > negative:
		yes := true
		return &yes
	case negative > 0:
		no := false
		return &no
	default:
		return nil
	}
}

// AssessmentComplete reports whether enough questions have been asked.
func AssessmentComplete(questionsAsked, totalQuestions int) bool {
	return questionsAsked >= totalQuestions
}
