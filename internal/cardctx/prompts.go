package cardctx

import (
	"github.com/hpungsan/ankipanel/internal/errors"
)

// Difficulty is derived from the card's knowledge score.
type Difficulty string

const (
	DifficultyEasy     Difficulty = "easy"
	DifficultyMedium   Difficulty = "medium"
	DifficultyAdvanced Difficulty = "advanced"
)

// DifficultyFor maps a knowledge score (0-100) to a difficulty.
func DifficultyFor(score float64) Difficulty {
	switch {
	case score >= 70:
		return DifficultyAdvanced
	case score >= 40:
		return DifficultyMedium
	default:
		return DifficultyEasy
	}
}

const hintBase = "Give me a hint for this card without revealing the answer."

var hintTuning = map[Difficulty]string{
	DifficultyAdvanced: " The card is well known: give a subtle, advanced hint that makes me think.",
	DifficultyMedium:   " The card is moderately known: give a helpful hint of medium difficulty.",
	DifficultyEasy:     " The card is new or barely known: give a clear, simple hint that points in the right direction.",
}

const quizBase = `Create a multiple-choice quiz for this card with exactly 5 options (A, B, C, D, E).
Reply ONLY with a JSON object in the following format (no markdown, no extra text):

[[QUIZ_DATA: {
  "question": "The question",
  "options": [
    { "letter": "A", "text": "Answer A", "explanation": "Why this is right or wrong", "isCorrect": false },
    { "letter": "B", "text": "Answer B", "explanation": "Why this is right or wrong", "isCorrect": true },
    { "letter": "C", "text": "Answer C", "explanation": "Why this is right or wrong", "isCorrect": false },
    { "letter": "D", "text": "Answer D", "explanation": "Why this is right or wrong", "isCorrect": false },
    { "letter": "E", "text": "Answer E", "explanation": "Why this is right or wrong", "isCorrect": false }
  ]
}]]`

var quizTuning = map[Difficulty]string{
	DifficultyAdvanced: " The card is well known: make the options demanding, with similar but subtly different answers.",
	DifficultyMedium:   " The card is moderately known: use medium difficulty options with some plausible distractors.",
	DifficultyEasy:     " The card is new or barely known: use simple, clear options where the wrong answers are obviously wrong.",
}

// HintPrompt returns the hint request for the shown card. Quick actions
// only exist while the question side is shown.
func (t *Tracker) HintPrompt() (string, error) {
	d, err := t.quickActionDifficulty()
	if err != nil {
		return "", err
	}
	return hintBase + hintTuning[d], nil
}

// QuizPrompt returns the multiple-choice request for the shown card.
func (t *Tracker) QuizPrompt() (string, error) {
	d, err := t.quickActionDifficulty()
	if err != nil {
		return "", err
	}
	return quizBase + quizTuning[d], nil
}

func (t *Tracker) quickActionDifficulty() (Difficulty, error) {
	card, ok := t.Card()
	if !ok || !card.IsQuestion {
		return "", errors.NewInvalidRequest("quick actions need a card on its question side")
	}
	var score float64
	if card.Stats != nil {
		score = card.Stats.KnowledgeScore
	}
	return DifficultyFor(score), nil
}
