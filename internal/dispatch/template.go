package dispatch

import (
	"strings"
	"text/template"

	taskflowerrors "github.com/taskflow/taskflow/internal/errors"
)

// promptData is the fixed set of placeholders a role template may
// reference. text/template errors out on any other field reference
// (".Foo" where Foo isn't one of these) instead of silently rendering
// an empty string — that failure is exactly spec §4.4's "unknown
// placeholders fail closed" requirement, so no extra validation pass
// over the template text is needed.
type promptData struct {
	Role    string
	TaskID  string
	Title   string
	Context string
}

// renderPrompt executes a role's template against the composed
// request. No ecosystem library in the retrieved pack offers prompt
// templating narrower than full text substitution with fail-closed
// unknown-field behavior; text/template is the correct-scope choice
// here rather than a hand-rolled placeholder scanner.
func renderPrompt(tmplText string, data promptData) (string, error) {
	tmpl, err := template.New("role-prompt").Option("missingkey=error").Parse(tmplText)
	if err != nil {
		return "", taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeValidation, "parse role template")
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeValidation, "unknown placeholder in role template")
	}
	return sb.String(), nil
}
