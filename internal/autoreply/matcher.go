// Package autoreply evaluates inbound messages against a prioritized
// rule set and fires at most one rule per message.
package autoreply

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/blastware/broadcast-gateway/internal/core"
)

// Match selects the rule to fire for an inbound message body, or nil.
// Candidates are active rules whose business-hours window (if any)
// contains now; the highest priority wins, ties broken by rule id so the
// result is deterministic regardless of input order.
func Match(body string, rules []core.AutoReplyRule, now time.Time) *core.AutoReplyRule {
	candidates := make([]core.AutoReplyRule, 0, len(rules))
	for _, r := range rules {
		if !r.IsActive {
			continue
		}
		if r.Hours != nil && !withinHours(*r.Hours, now) {
			continue
		}
		candidates = append(candidates, r)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})

	for i := range candidates {
		if triggers(candidates[i], body) {
			return &candidates[i]
		}
	}
	return nil
}

func triggers(r core.AutoReplyRule, body string) bool {
	msg := strings.ToLower(strings.TrimSpace(body))
	val := strings.ToLower(strings.TrimSpace(r.TriggerValue))

	switch r.TriggerType {
	case core.TriggerAll:
		return true
	case core.TriggerExact:
		return msg == val
	case core.TriggerContains:
		return val != "" && strings.Contains(msg, val)
	case core.TriggerStartsWith:
		return val != "" && strings.HasPrefix(msg, val)
	case core.TriggerKeyword:
		if val == "" {
			return false
		}
		for _, tok := range strings.Fields(msg) {
			if tok == val {
				return true
			}
		}
		return false
	case core.TriggerRegex:
		re, err := regexp.Compile("(?i)" + r.TriggerValue)
		if err != nil {
			return false // malformed pattern never fires
		}
		return re.MatchString(body)
	}
	return false
}

// withinHours checks weekday membership first, then the inclusive HH:MM
// range. An end before the start wraps past midnight.
func withinHours(h core.BusinessHours, now time.Time) bool {
	if len(h.Weekdays) > 0 {
		ok := false
		for _, d := range h.Weekdays {
			if d == now.Weekday() {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	start, okS := parseHHMM(h.Start)
	end, okE := parseHHMM(h.End)
	if !okS || !okE {
		return true // unparsable window means always-on, not never-on
	}
	cur := now.Hour()*60 + now.Minute()
	if end < start {
		return cur >= start || cur <= end
	}
	return cur >= start && cur <= end
}

func parseHHMM(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
