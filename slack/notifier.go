package slack

import (
	"context"
	"fmt"
	"strings"

	"mealplanagent"
)

// JobNotifier posts plan job outcomes to a channel.
type JobNotifier struct {
	client  mealplanagent.SlackClient
	channel string
}

func NewJobNotifier(client mealplanagent.SlackClient, channel string) *JobNotifier {
	return &JobNotifier{client: client, channel: channel}
}

func (n *JobNotifier) PlanCompleted(ctx context.Context, jobID string, res mealplanagent.PlanResult) error {
	var b strings.Builder
	fmt.Fprintf(&b, ":white_check_mark: Meal plan `%s` is ready: %d meal(s) over %d day(s).", jobID, len(res.Items), res.DaysPlanned)
	if res.Summary != "" {
		fmt.Fprintf(&b, "\n%s", res.Summary)
	}
	if gen := res.Stats["newly_generated"]; gen > 0 {
		fmt.Fprintf(&b, "\n%d new recipe(s) were generated.", gen)
	}
	return n.client.PostMessage(ctx, n.channel, b.String())
}

func (n *JobNotifier) PlanFailed(ctx context.Context, jobID, reason string) error {
	return n.client.PostMessage(ctx, n.channel, fmt.Sprintf(":x: Meal plan `%s` failed: %s", jobID, reason))
}
