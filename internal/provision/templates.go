package provision

import (
	"fmt"
	"sort"
	"strings"

	"github.com/angariumd/hcmp/internal/events"
	"github.com/angariumd/hcmp/internal/models"
)

const DefaultTemplate = "single"

// Template is a named stack shape and the number of machines it needs.
type Template struct {
	Name  string
	Count int
}

var templates = map[string]Template{
	"single":     {Name: "single", Count: 1},     // all-in-one
	"standard":   {Name: "standard", Count: 3},   // lb, app, db
	"enterprise": {Name: "enterprise", Count: 5}, // lb, 2x app, 2x db
	"k8s_small":  {Name: "k8s_small", Count: 3},  // master, 2x worker
}

func Lookup(name string) (Template, error) {
	t, ok := templates[name]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	return t, nil
}

// Templates lists every known template ordered by name.
func Templates() []Template {
	out := make([]Template, 0, len(templates))
	for _, t := range templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Roles partitions allocated hosts by how many there are. Shapes without a
// dedicated layout put every role on every host.
func Roles(hosts []string) models.HostRoles {
	switch len(hosts) {
	case 3:
		return models.HostRoles{
			LoadBalancers: hosts[0:1],
			Apps:          hosts[1:2],
			Databases:     hosts[2:3],
		}
	case 5:
		return models.HostRoles{
			LoadBalancers: hosts[0:1],
			Apps:          hosts[1:3],
			Databases:     hosts[3:5],
		}
	default:
		return models.HostRoles{
			LoadBalancers: hosts,
			Apps:          hosts,
			Databases:     hosts,
		}
	}
}

var milestones = []struct {
	pattern string
	marker  string
}{
	{"TASK [Gathering Facts]", events.MarkerFacts},
	{"TASK [Wait for VM to boot]", events.MarkerBooted},
	{"PLAY RECAP", events.MarkerRecap},
}

// Classify returns the messages one output line produces, in publish order:
// at most one milestone marker followed by the line itself. Only the line
// terminator is removed; blank lines are forwarded as they are.
func Classify(line string) []string {
	line = strings.TrimRight(line, "\r\n")
	for _, m := range milestones {
		if strings.Contains(line, m.pattern) {
			return []string{m.marker, line}
		}
	}
	return []string{line}
}
