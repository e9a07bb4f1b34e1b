package chat

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	intakePrompt = "Let's set up your study session. Which subject are you working on, and what grade are you in?"
	topicPrompt  = "Great, %s. Which topic would you like to focus on?"
	askPrompt    = "Got it, we'll focus on %s. What would you like to know?"
)

var gradePattern = regexp.MustCompile(`(?i)\b(?:grade|year|class)\s*(\d{1,2})\b|\b(\d{1,2})(?:st|nd|rd|th)\s+grade\b`)

// subjectKeywords maps lowercase keywords to the subject they name.
var subjectKeywords = []struct {
	keyword string
	subject string
}{
	{"computer science", "Computer Science"},
	{"programming", "Computer Science"},
	{"mathematics", "Math"},
	{"algebra", "Math"},
	{"geometry", "Math"},
	{"calculus", "Math"},
	{"math", "Math"},
	{"maths", "Math"},
	{"physics", "Physics"},
	{"chemistry", "Chemistry"},
	{"biology", "Biology"},
	{"science", "Science"},
	{"history", "History"},
	{"geography", "Geography"},
	{"literature", "English"},
	{"english", "English"},
	{"french", "French"},
	{"spanish", "Spanish"},
	{"economics", "Economics"},
}

// parseSubjectAndGrade reads the first intake answer. Unknown subjects fall
// back to the answer itself.
func parseSubjectAndGrade(text string) IntakeAnswers {
	var out IntakeAnswers
	if m := gradePattern.FindStringSubmatch(text); m != nil {
		out.Grade = m[1]
		if out.Grade == "" {
			out.Grade = m[2]
		}
	}
	lower := strings.ToLower(text)
	for _, kw := range subjectKeywords {
		if containsWord(lower, kw.keyword) {
			out.Subject = kw.subject
			break
		}
	}
	if out.Subject == "" {
		out.Subject = strings.TrimSpace(gradePattern.ReplaceAllString(text, ""))
		out.Subject = strings.Trim(out.Subject, " ,.;")
	}
	if out.Subject == "" {
		out.Subject = strings.TrimSpace(text)
	}
	return out
}

func containsWord(haystack, word string) bool {
	idx := 0
	for {
		i := strings.Index(haystack[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		if (start == 0 || !isLetter(haystack[start-1])) && (end == len(haystack) || !isLetter(haystack[end])) {
			return true
		}
		idx = start + 1
	}
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func describe(a IntakeAnswers) string {
	if a.Grade == "" {
		return a.Subject
	}
	return fmt.Sprintf("%s for grade %s", a.Subject, a.Grade)
}

// intakeReply returns the canned assistant answer to an intake step and the
// answers collected so far.
func intakeReply(step int, text string, collected IntakeAnswers) (string, IntakeAnswers) {
	switch step {
	case 1:
		parsed := parseSubjectAndGrade(text)
		return fmt.Sprintf(topicPrompt, describe(parsed)), parsed
	case 2:
		collected.Topic = strings.TrimSpace(text)
		return fmt.Sprintf(askPrompt, collected.Topic), collected
	}
	return "", collected
}
