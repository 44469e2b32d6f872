package notify

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DigestEntry is one pending approval request line in the weekly digest.
type DigestEntry struct {
	EntityType string
	EntityID   int64
	Name       string
	Activity   string // created or changed
	Requester  string
	Message    string
	OpenedAt   time.Time
}

// BuildDigest renders the weekly reminder mail for one approver. Entries
// are grouped by entity type and ordered oldest first within each group.
func BuildDigest(approver string, entries []DigestEntry) Message {
	byType := make(map[string][]DigestEntry)
	for _, e := range entries {
		byType[e.EntityType] = append(byType[e.EntityType], e)
	}
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)

	var b strings.Builder
	fmt.Fprintf(&b, "Hello,\n\nthe following records are awaiting your approval:\n")
	for _, t := range types {
		group := byType[t]
		sort.Slice(group, func(i, j int) bool { return group[i].OpenedAt.Before(group[j].OpenedAt) })
		fmt.Fprintf(&b, "\n%s:\n", t)
		for _, e := range group {
			fmt.Fprintf(&b, "  - #%d %s (%s by %s, pending since %s)\n",
				e.EntityID, e.Name, e.Activity, e.Requester, e.OpenedAt.Format("2006-01-02"))
			if e.Message != "" {
				fmt.Fprintf(&b, "    note: %s\n", e.Message)
			}
		}
	}
	b.WriteString("\nThis reminder is sent weekly while requests remain open.\n")
	return Message{
		To:      []string{approver},
		Subject: fmt.Sprintf("%d record(s) awaiting approval", len(entries)),
		Body:    b.String(),
	}
}
