package provisioning

import (
	"regexp"
	"strings"

	"github.com/samber/lo"
)

// Profile is a resource preset for an ephemeral build VM.
type Profile struct {
	Name   string
	VCPU   int
	RAMMB  int
	DiskGB int
}

var profiles = map[string]Profile{
	"small":  {Name: "small", VCPU: 2, RAMMB: 4096, DiskGB: 40},
	"medium": {Name: "medium", VCPU: 4, RAMMB: 8192, DiskGB: 80},
	"large":  {Name: "large", VCPU: 8, RAMMB: 16384, DiskGB: 120},
}

// ChooseProfile maps a queue label to a profile by substring.
func ChooseProfile(label string) Profile {
	switch {
	case strings.Contains(label, "large"):
		return profiles["large"]
	case strings.Contains(label, "medium"):
		return profiles["medium"]
	default:
		return profiles["small"]
	}
}

var (
	labelTokenSplit = regexp.MustCompile(`[^A-Za-z0-9_.:-]+`)
	labelStopwords  = []string{"and", "or", "not", "true", "false"}
)

// NormalizeNodeLabel rewrites a queue label expression into a plain
// space-separated label string for the node definition: expression operators
// and boolean keywords are dropped and duplicate tokens collapse, preserving
// order. An expression that normalizes to nothing yields "ephemeral".
func NormalizeNodeLabel(label string) string {
	var cleaned []string
	for _, token := range labelTokenSplit.Split(label, -1) {
		if token == "" {
			continue
		}
		if lo.Contains(labelStopwords, strings.ToLower(token)) {
			continue
		}
		if !lo.Contains(cleaned, token) {
			cleaned = append(cleaned, token)
		}
	}
	if len(cleaned) == 0 {
		return "ephemeral"
	}
	return strings.Join(cleaned, " ")
}
