package attack

import (
	"strings"
	"text/template"
)

// descriptionTemplate renders the human-readable attack summary used by
// notification hooks. Open Question resolution: this is a fixed template,
// not an operator-configurable format string — see SPEC_FULL.md §9.1(a).
var descriptionTemplate = template.Must(template.New("attack_description").Parse(
	`Host {{.Host}} ({{.HostGroup}}) triggered {{.TriggerKind}} ` +
		`at {{printf "%.2f" .PeakRate}} (threshold crossed, severity {{.Severity}}), ` +
		`attack {{.UUID}}`,
))

// descriptionView is the subset of Details exposed to the template; kept
// separate from Details so the rendered fields are an explicit, stable
// contract independent of internal struct layout.
type descriptionView struct {
	Host        string
	HostGroup   string
	TriggerKind string
	PeakRate    float64
	Severity    string
	UUID        string
}

// Describe renders d's human-readable summary for notification hooks.
func Describe(d Details) string {
	view := descriptionView{
		Host:        d.Host.String(),
		HostGroup:   d.HostGroup,
		TriggerKind: d.TriggerKind.String(),
		PeakRate:    d.PeakRate,
		Severity:    d.Severity.String(),
		UUID:        d.UUID.String(),
	}
	var b strings.Builder
	if err := descriptionTemplate.Execute(&b, view); err != nil {
		return "attack " + view.UUID
	}
	return b.String()
}
