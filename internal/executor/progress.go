package executor

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// OutstandingView is the read-only view Watch polls.
type OutstandingView interface {
	Outstanding() []string
}

const progressSeparator = "-------------------------"

// Watch prints the outstanding hosts to w every interval until none remain.
// It checks for completion every poll so it stops promptly once the last host
// finishes. Watch never modifies the view.
func Watch(w io.Writer, view OutstandingView, interval, poll time.Duration) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if interval < poll {
		interval = poll
	}
	threshold := int(interval / poll)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	cur := 1
	for {
		active := view.Outstanding()
		if len(active) == 0 {
			return
		}

		if cur >= threshold {
			writeWaiting(w, active)
			cur = 1
		} else {
			cur++
		}

		<-ticker.C
	}
}

func writeWaiting(w io.Writer, hosts []string) {
	var b strings.Builder
	b.WriteString(progressSeparator)
	b.WriteString("\nWaiting on: \n")
	for _, h := range hosts {
		b.WriteString("  ")
		b.WriteString(h)
		b.WriteString("\n")
	}
	fmt.Fprint(w, b.String())
}
