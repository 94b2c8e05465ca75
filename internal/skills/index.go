package skills

import (
	"fmt"
	"strings"
)

// IndexMarkdown renders a compact catalog (names, descriptions and effective
// dispatch thresholds) for the skill-candidates context source.
func IndexMarkdown(library Library, gate *Gate) string {
	skills := library.List()
	if len(skills) == 0 {
		return ""
	}
	if gate == nil {
		gate = defaultGate
	}

	var builder strings.Builder
	builder.WriteString("# Skills Catalog\n\n")
	builder.WriteString("Available skills:\n")
	for _, skill := range skills {
		desc := strings.TrimSpace(skill.Description)
		if desc == "" {
			desc = "(no description)"
		}
		th := gate.normalize(skill.Dispatch)
		builder.WriteString(fmt.Sprintf("- `%s`: %s (gate %s, auto %s, otherwise %s)\n",
			skill.Name, desc, formatThreshold(th.gate), formatThreshold(th.auto), th.defaultMode))
	}
	return strings.TrimSpace(builder.String())
}
