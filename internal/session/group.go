package session

import (
	"math"
	"time"
)

// Group labels, in display order.
const (
	GroupToday      = "Today"
	GroupYesterday  = "Yesterday"
	GroupThisWeek   = "This week"
	GroupLastWeek   = "Last week"
	GroupTwoWeeks   = "2 weeks ago"
	GroupThreeWeeks = "3 weeks ago"
	GroupFourWeeks  = "4 weeks ago"
	GroupLastMonth  = "Last month"
	GroupOlder      = "Older"
)

var groupOrder = []string{
	GroupToday, GroupYesterday, GroupThisWeek, GroupLastWeek,
	GroupTwoWeeks, GroupThreeWeeks, GroupFourWeeks, GroupLastMonth, GroupOlder,
}

// Group is a date bucket of sessions, newest first.
type Group struct {
	Label    string
	Sessions []Session
}

// GroupedSessions buckets sessions by whole days between their creation
// date and now. Empty buckets are omitted.
func (s *Store) GroupedSessions(now time.Time) []Group {
	return groupSessions(s.Sessions(), now)
}

func groupSessions(list []Session, now time.Time) []Group {
	buckets := make(map[string][]Session, len(groupOrder))
	for _, sess := range list {
		label := groupLabel(daysBetween(sess.CreatedAt, now))
		buckets[label] = append(buckets[label], sess)
	}
	var out []Group
	for _, label := range groupOrder {
		if b := buckets[label]; len(b) > 0 {
			sortNewestFirst(b)
			out = append(out, Group{Label: label, Sessions: b})
		}
	}
	return out
}

// daysBetween counts calendar days from t to now in now's location.
func daysBetween(t, now time.Time) int {
	loc := now.Location()
	t = t.In(loc)
	a := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	b := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return int(math.Round(a.Sub(b).Hours() / 24))
}

func groupLabel(days int) string {
	switch {
	case days <= 0:
		return GroupToday
	case days == 1:
		return GroupYesterday
	case days <= 6:
		return GroupThisWeek
	case days <= 13:
		return GroupLastWeek
	case days <= 20:
		return GroupTwoWeeks
	case days <= 27:
		return GroupThreeWeeks
	case days <= 34:
		return GroupFourWeeks
	case days <= 60:
		return GroupLastMonth
	default:
		return GroupOlder
	}
}
