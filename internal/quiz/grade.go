package quiz

import (
	"encoding/json"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Result is the outcome of grading one submission.
type Result struct {
	Score        int             `json:"score"` // 0..100, rounded half up; 100 only when every point is earned
	EarnedPoints int             `json:"earned_points"`
	TotalPoints  int             `json:"total_points"`
	Passed       bool            `json:"is_passed"`
	Correct      map[string]bool `json:"correct"`
}

// Grade scores answers against the quiz. Essay questions contribute to the
// denominator but never to the numerator, so a quiz containing an essay
// cannot auto-score 100.
func Grade(q Quiz, answers map[string]any) (Result, error) {
	if err := q.Validate(); err != nil {
		return Result{}, err
	}

	res := Result{
		TotalPoints: q.TotalPoints(),
		Correct:     make(map[string]bool, len(q.Questions)),
	}
	for _, qu := range q.Questions {
		ok := matches(qu, answers[qu.ID])
		res.Correct[qu.ID] = ok
		if ok {
			res.EarnedPoints += qu.Points
		}
	}

	res.Score = roundHalfUp(100*res.EarnedPoints, res.TotalPoints)
	if res.EarnedPoints < res.TotalPoints && res.Score >= 100 {
		res.Score = 99
	}
	// Compare the exact ratio so rounding never turns a fail into a pass.
	res.Passed = res.EarnedPoints*100 >= q.PassingScore*res.TotalPoints
	return res, nil
}

func matches(qu Question, submitted any) bool {
	got, ok := answerText(submitted)
	if !ok {
		return false
	}
	switch qu.Type {
	case MultipleChoice, TrueFalse:
		return got == qu.CorrectAnswer
	case ShortAnswer:
		return normalizeShortAnswer(got) == normalizeShortAnswer(qu.CorrectAnswer)
	default:
		return false
	}
}

// answerText converts a decoded JSON answer to its canonical string form.
func answerText(v any) (string, bool) {
	switch a := v.(type) {
	case string:
		return a, true
	case bool:
		return strconv.FormatBool(a), true
	case float64:
		return strconv.FormatFloat(a, 'f', -1, 64), true
	case int:
		return strconv.Itoa(a), true
	case int64:
		return strconv.FormatInt(a, 10), true
	case json.Number:
		return a.String(), true
	default:
		return "", false
	}
}

// normalizeShortAnswer trims surrounding whitespace and applies Unicode
// normalisation and case folding. Casers are stateful, so each call builds its own.
func normalizeShortAnswer(s string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
}

// roundHalfUp returns num/den rounded half up, for non-negative operands.
func roundHalfUp(num, den int) int {
	if den == 0 {
		return 0
	}
	return (2*num + den) / (2 * den)
}
