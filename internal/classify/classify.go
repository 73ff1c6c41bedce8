// Package classify decides, line by line, whether wrapped program output opens an idle
// prompt or closes a response.
package classify

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// Category is the verdict for one output line.
type Category string

const (
	// Neutral lines carry response text or noise.
	Neutral Category = "neutral"
	// StartsIdlePrompt lines show the program waiting for input again.
	StartsIdlePrompt Category = "starts_idle_prompt"
	// EndsResponse lines explicitly close the current response.
	EndsResponse Category = "ends_response"
)

// Rule is one named entry of the ordered rule table.
type Rule struct {
	Name     string
	Category Category
	Pattern  *regexp.Regexp
}

// StartAnchored reports whether the rule only matches at the start of a line.
func (r Rule) StartAnchored() bool {
	return r.Pattern != nil && strings.HasPrefix(r.Pattern.String(), "^")
}

// Idle prompt markers, checked in order. Returning to an idle prompt also ends a response.
var promptRules = []Rule{
	{Name: "python_prompt", Category: StartsIdlePrompt, Pattern: regexp.MustCompile(`^>>> `)},
	{Name: "codex_prompt", Category: StartsIdlePrompt, Pattern: regexp.MustCompile(`^codex> `)},
	{Name: "question_prompt", Category: StartsIdlePrompt, Pattern: regexp.MustCompile(`^\? `)},
	{Name: "simple_prompt", Category: StartsIdlePrompt, Pattern: regexp.MustCompile(`^> `)},
	{Name: "enter_value", Category: StartsIdlePrompt, Pattern: regexp.MustCompile(`Enter.*:$`)},
}

// Explicit completion markers, checked in order after the prompt markers.
var completionRules = []Rule{
	{Name: "done", Category: EndsResponse, Pattern: regexp.MustCompile(`^Done\.`)},
	{Name: "completed", Category: EndsResponse, Pattern: regexp.MustCompile(`^Completed`)},
}

// Rules returns a copy of the full ordered rule table.
func Rules() []Rule {
	rules := make([]Rule, 0, len(promptRules)+len(completionRules))
	rules = append(rules, promptRules...)
	rules = append(rules, completionRules...)
	return rules
}

// Normalize strips escape sequences and the trailing carriage return that PTY line
// discipline adds, leaving the text a user would read.
func Normalize(line string) string {
	line = strings.TrimRight(line, "\r\n")
	if strings.ContainsRune(line, '\x1b') {
		line = ansi.Strip(line)
	}
	return strings.TrimRight(line, "\r")
}

// Match returns the first rule matching line, or false when the line is neutral.
func Match(line string) (Rule, bool) {
	line = Normalize(line)
	for _, rule := range promptRules {
		if rule.Pattern.MatchString(line) {
			return rule, true
		}
	}
	for _, rule := range completionRules {
		if rule.Pattern.MatchString(line) {
			return rule, true
		}
	}
	return Rule{}, false
}

// Classify returns the category of line. It is stateless and never fails.
func Classify(line string) Category {
	rule, ok := Match(line)
	if !ok {
		return Neutral
	}
	return rule.Category
}

// IsIdlePrompt reports whether line opens an idle prompt.
func IsIdlePrompt(line string) bool {
	return Classify(line) == StartsIdlePrompt
}

// IsIdlePromptPrefix reports whether an unterminated line already opens an idle prompt.
// Only start-anchored markers are consulted: their verdict on a prefix holds for every
// completion of the line, so it does not depend on where output was split.
func IsIdlePromptPrefix(text string) bool {
	text = Normalize(text)
	for _, rule := range promptRules {
		if rule.StartAnchored() && rule.Pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// EndsResponseLine reports whether line closes a response. Besides the explicit markers and
// idle prompts, a blank line ends a response once response text has accumulated.
func EndsResponseLine(line string, hasContent bool) bool {
	switch Classify(line) {
	case StartsIdlePrompt, EndsResponse:
		return true
	}
	return hasContent && strings.TrimSpace(Normalize(line)) == ""
}
