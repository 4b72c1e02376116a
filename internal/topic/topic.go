// Package topic validates notifier topic strings and builds the
// dispatch chain used to fan a published topic out to its ancestors.
package topic

import "fmt"

// ErrInvalidTopic is returned by Validate when a topic string is malformed.
type ErrInvalidTopic struct {
	Topic  string
	Reason string
}

func (e *ErrInvalidTopic) Error() string {
	return fmt.Sprintf("invalid topic %q: %s", e.Topic, e.Reason)
}

func isValidChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '_' || c == '-' || c == '.':
		return true
	}
	return false
}

// Validate fails with *ErrInvalidTopic if topic contains a character
// outside [A-Za-z0-9_-.], starts or ends with '.' or ' ', or is empty
// when allowEmpty is false. Each dot-separated subtopic is recursively
// validated with allowEmpty=false.
func Validate(t string, allowEmpty bool) error {
	for i := 0; i < len(t); i++ {
		if !isValidChar(t[i]) {
			return &ErrInvalidTopic{Topic: t, Reason: fmt.Sprintf("character %d (%q) is not allowed", i+1, t[i])}
		}
	}

	if len(t) > 0 && (t[0] == '.' || t[len(t)-1] == '.') {
		return &ErrInvalidTopic{Topic: t, Reason: "cannot start or end with a dot"}
	}
	if len(t) > 0 && (t[0] == ' ' || t[len(t)-1] == ' ') {
		return &ErrInvalidTopic{Topic: t, Reason: "cannot start or end with a space"}
	}
	if !allowEmpty && t == "" {
		return &ErrInvalidTopic{Topic: t, Reason: "cannot be empty"}
	}

	if hasDot(t) {
		for _, sub := range splitDot(t) {
			if err := Validate(sub, false); err != nil {
				return err
			}
		}
	}

	return nil
}

func hasDot(t string) bool {
	for i := 0; i < len(t); i++ {
		if t[i] == '.' {
			return true
		}
	}
	return false
}

func splitDot(t string) []string {
	var out []string
	start := 0
	for i := 0; i < len(t); i++ {
		if t[i] == '.' {
			out = append(out, t[start:i])
			start = i + 1
		}
	}
	out = append(out, t[start:])
	return out
}

// Chain returns the dispatch order for topic t: most specific first,
// down to the empty topic. Chain("A.B.C") is
// ["A.B.C", "A.B", "A", ""]. Chain("") is [""].
func Chain(t string) []string {
	if t == "" {
		return []string{""}
	}

	subs := splitDot(t)
	chain := make([]string, 0, len(subs)+1)
	for i := len(subs); i > 0; i-- {
		chain = append(chain, join(subs[:i]))
	}
	chain = append(chain, "")
	return chain
}

func join(parts []string) string {
	if len(parts) == 1 {
		return parts[0]
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "." + p
	}
	return out
}
