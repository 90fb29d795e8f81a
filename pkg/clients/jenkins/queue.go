package jenkins

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/controllers"
)

type queueResponse struct {
	Items []queueItem `json:"items"`
}

type queueItem struct {
	AssignedLabel *namedRef  `json:"assignedLabel"`
	Task          *queueTask `json:"task"`
	Why           string     `json:"why"`
}

type queueTask struct {
	LabelExpression string    `json:"labelExpression"`
	AssignedLabel   *namedRef `json:"assignedLabel"`
}

type namedRef struct {
	Name string `json:"name"`
}

var (
	// Jenkins renders queue reasons with either ASCII or typographic quotes
	// depending on locale settings.
	curlyQuotes   = strings.NewReplacer("‘", "'", "’", "'")
	labelWhyRe    = regexp.MustCompile(`label '([^']+)'`)
	nodeWaitWhyRe = regexp.MustCompile(`Waiting for next available executor on '([^']+)'`)
)

// QueueSnapshot reads the build queue once. Demand is keyed by label where the
// queue names one; items that wait on a specific node are reported under
// QueuedByNode for the scaler to resolve back to a label.
func (c *Client) QueueSnapshot(ctx context.Context) (*controllers.QueueSnapshot, error) {
	body, err := c.get(ctx, "/queue/api/json")
	if err != nil {
		return nil, fmt.Errorf("reading build queue, %w", err)
	}
	var resp queueResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding build queue, %w", err)
	}
	snapshot := &controllers.QueueSnapshot{
		QueuedByLabel: map[string]int{},
		QueuedByNode:  map[string]int{},
	}
	for _, item := range resp.Items {
		if label := itemLabel(item); label != "" {
			snapshot.QueuedByLabel[label]++
			continue
		}
		if node := itemWaitedNode(item); node != "" {
			snapshot.QueuedByNode[node]++
		}
	}
	return snapshot, nil
}

// itemLabel derives the demanded label, in priority order: the item's
// assigned label, the task's label expression, the task's assigned label,
// then the quoted label inside the human-readable reason.
func itemLabel(item queueItem) string {
	if item.AssignedLabel != nil && item.AssignedLabel.Name != "" {
		return item.AssignedLabel.Name
	}
	if item.Task != nil {
		if item.Task.LabelExpression != "" {
			return item.Task.LabelExpression
		}
		if item.Task.AssignedLabel != nil && item.Task.AssignedLabel.Name != "" {
			return item.Task.AssignedLabel.Name
		}
	}
	if m := labelWhyRe.FindStringSubmatch(curlyQuotes.Replace(item.Why)); m != nil {
		return m[1]
	}
	return ""
}

func itemWaitedNode(item queueItem) string {
	if m := nodeWaitWhyRe.FindStringSubmatch(curlyQuotes.Replace(item.Why)); m != nil {
		return m[1]
	}
	return ""
}
