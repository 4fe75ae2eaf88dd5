package hmr

import (
	"fmt"
	"regexp"
	"strings"
)

var regexpHotAccept = regexp.MustCompile(`\bimport\.meta\.hot\.(acceptExports|accept)\s*\(`)

// AcceptedDep is a string literal passed to `import.meta.hot.accept`.
// Start and End include the quotes so the literal can be rewritten in place.
type AcceptedDep struct {
	URL   string
	Start int
	End   int
}

// LexError reports an argument of `import.meta.hot.accept` that is not a string literal.
type LexError struct {
	Pos int
}

func (e *LexError) Error() string {
	return "import.meta.hot.accept() can only accept string literals or an Array of string literals."
}

// AcceptCalls is the result of scanning a module for accept directives.
type AcceptCalls struct {
	SelfAccepting   bool
	Deps            []AcceptedDep
	Exports         map[string]struct{}
	PartiallyAccept bool
}

type lexState int

const (
	stateInCall lexState = iota
	stateInSingleQuoteString
	stateInDoubleQuoteString
	stateInTemplateString
	stateInArray
)

// LexAcceptedDeps scans the arguments of an accept call starting right after its
// opening parenthesis. It returns true if the call accepts the module itself, which is
// the case for a callback argument or no argument at all.
func LexAcceptedDeps(code string, start int) (selfAccepting bool, deps []AcceptedDep, err error) {
	state := stateInCall
	// strings can only be nested in an array, a single saved state is enough
	prevState := stateInCall
	var current strings.Builder

	addDep := func(index int) {
		url := current.String()
		deps = append(deps, AcceptedDep{URL: url, Start: index - len(url) - 1, End: index + 1})
		current.Reset()
	}

	for i := start; i < len(code); i++ {
		c := code[i]
		switch state {
		case stateInCall, stateInArray:
			switch {
			case c == '\'':
				prevState, state = state, stateInSingleQuoteString
			case c == '"':
				prevState, state = state, stateInDoubleQuoteString
			case c == '`':
				prevState, state = state, stateInTemplateString
			case isWhitespace(c):
				continue
			case state == stateInCall:
				if c == '[' {
					state = stateInArray
				} else {
					return true, deps, nil
				}
			default:
				if c == ']' {
					return false, deps, nil
				} else if c == ',' {
					continue
				}
				return false, nil, &LexError{Pos: i}
			}
		case stateInSingleQuoteString, stateInDoubleQuoteString:
			quote := byte('\'')
			if state == stateInDoubleQuoteString {
				quote = '"'
			}
			if c == quote {
				addDep(i)
				if prevState == stateInCall {
					return false, deps, nil
				}
				state = prevState
			} else {
				current.WriteByte(c)
			}
		case stateInTemplateString:
			if c == '`' {
				addDep(i)
				if prevState == stateInCall {
					return false, deps, nil
				}
				state = prevState
			} else if c == '$' && i+1 < len(code) && code[i+1] == '{' {
				return false, nil, &LexError{Pos: i}
			} else {
				current.WriteByte(c)
			}
		}
	}
	return false, deps, nil
}

// LexAcceptedExports scans the arguments of an acceptExports call and returns the export names.
func LexAcceptedExports(code string, start int) (exports []string, err error) {
	_, deps, err := LexAcceptedDeps(code, start)
	if err != nil {
		return nil, err
	}
	for _, dep := range deps {
		exports = append(exports, dep.URL)
	}
	return exports, nil
}

// ScanAcceptCalls finds every `import.meta.hot.accept` and `import.meta.hot.acceptExports`
// call of the code.
func ScanAcceptCalls(code string) (*AcceptCalls, error) {
	calls := &AcceptCalls{}
	for _, loc := range regexpHotAccept.FindAllStringSubmatchIndex(code, -1) {
		method := code[loc[2]:loc[3]]
		start := loc[1]
		if method == "acceptExports" {
			exports, err := LexAcceptedExports(code, start)
			if err != nil {
				return nil, err
			}
			if calls.Exports == nil {
				calls.Exports = map[string]struct{}{}
			}
			for _, name := range exports {
				calls.Exports[name] = struct{}{}
			}
			calls.PartiallyAccept = true
			continue
		}
		self, deps, err := LexAcceptedDeps(code, start)
		if err != nil {
			return nil, err
		}
		if self {
			calls.SelfAccepting = true
		}
		calls.Deps = append(calls.Deps, deps...)
	}
	return calls, nil
}

// Position converts a byte offset of the code into a 1-based line and a 0-based column.
func Position(code string, pos int) (line int, column int) {
	if pos > len(code) {
		pos = len(code)
	}
	line = 1 + strings.Count(code[:pos], "\n")
	column = pos - (strings.LastIndexByte(code[:pos], '\n') + 1)
	return
}

// CodeFrame renders the lines around the position with a marker below the column.
func CodeFrame(code string, pos int) string {
	line, column := Position(code, pos)
	lines := strings.Split(code, "\n")
	var b strings.Builder
	for i := max(line-3, 0); i < min(line+2, len(lines)); i++ {
		fmt.Fprintf(&b, "%4d | %s\n", i+1, lines[i])
		if i+1 == line {
			fmt.Fprintf(&b, "     | %s^\n", strings.Repeat(" ", column))
		}
	}
	return b.String()
}

func isWhitespace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}
