package engine

import (
	"runtime"
	"strings"
)

// matchRules reports whether any rule matches the walked frames. Rules are
// consulted only after the record has been handed off.
func matchRules(rules []Rule, frames []uintptr) bool {
	if len(rules) == 0 || len(frames) == 0 {
		return false
	}
	for _, rule := range rules {
		if ruleMatches(rule, frames) {
			return true
		}
	}
	return false
}

func ruleMatches(rule Rule, frames []uintptr) bool {
	moduleSeen := false
	keywordSeen := len(rule.Keywords) == 0
	for _, pc := range frames {
		if pc == 0 {
			break
		}
		// Return addresses point after the call; step back into it.
		fn := runtime.FuncForPC(pc - 1)
		if fn == nil {
			continue
		}
		name := fn.Name()
		if !moduleSeen {
			file, _ := fn.FileLine(pc - 1)
			moduleSeen = strings.Contains(name, rule.Module) || strings.Contains(file, rule.Module)
		}
		if !keywordSeen {
			for _, kw := range rule.Keywords {
				if kw != "" && strings.Contains(name, kw) {
					keywordSeen = true
					break
				}
			}
		}
		if moduleSeen && keywordSeen {
			return true
		}
	}
	return false
}
