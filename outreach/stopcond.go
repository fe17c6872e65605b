package outreach

// Stop-condition triggers a sequence template may subscribe to.
const (
	StopReplied      = "replied"
	StopBounced      = "bounced"
	StopUnsubscribed = "unsubscribed"
	StopComplained   = "complained"
)

// ShouldStop decides whether a sequence must halt for a prospect given
// the template's subscribed triggers, the statuses observed on the
// enrollment's recent send records, and whether a reply was detected.
// It returns the first matching trigger. A template with no triggers
// never stops on engagement signals.
func ShouldStop(stopOn []string, recentStatuses []string, replied bool) (string, bool) {
	if len(stopOn) == 0 {
		return "", false
	}
	subscribed := make(map[string]bool, len(stopOn))
	for _, t := range stopOn {
		subscribed[t] = true
	}
	if replied && subscribed[StopReplied] {
		return StopReplied, true
	}
	for _, status := range recentStatuses {
		if subscribed[status] {
			return status, true
		}
	}
	return "", false
}
