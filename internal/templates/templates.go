// Package templates holds the embedded prompt templates handed to task
// executors.
package templates

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"text/template"
)

// TaskPrompt is the template rendered for every task.
const TaskPrompt = "prompts/task.md.tmpl"

const promptsRoot = "prompts"

//go:embed prompts/*.md.tmpl
var embeddedFS embed.FS

type listSection struct {
	Heading string
	Items   []string
}

var funcs = template.FuncMap{
	"trim": strings.TrimSpace,
	"section": func(heading string, items []string) listSection {
		return listSection{Heading: heading, Items: items}
	},
}

// Read returns the embedded template source for name.
func Read(name string) ([]byte, error) {
	cleaned, err := sanitizeName(name)
	if err != nil {
		return nil, err
	}
	data, err := fs.ReadFile(embeddedFS, cleaned)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", cleaned, err)
	}
	return data, nil
}

// Render executes the named template with data.
func Render(name string, data any) (string, error) {
	source, err := Read(name)
	if err != nil {
		return "", err
	}
	tmpl, err := template.New(path.Base(name)).Funcs(funcs).Option("missingkey=error").Parse(string(source))
	if err != nil {
		return "", fmt.Errorf("parse template %s: %w", name, err)
	}
	var out bytes.Buffer
	if err := tmpl.Execute(&out, data); err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// sanitizeName validates template lookup keys.
func sanitizeName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	switch {
	case trimmed == "":
		return "", errors.New("template name is required")
	case strings.HasPrefix(trimmed, "/"):
		return "", errors.New("template name must be relative")
	case strings.Contains(trimmed, "\\"):
		return "", errors.New("template name must use forward slashes")
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return "", errors.New("template name must not contain empty or dot segments")
		}
	}
	cleaned := path.Clean(trimmed)
	if !strings.HasPrefix(cleaned, promptsRoot+"/") {
		return "", errors.New("template name must start with prompts/")
	}
	return cleaned, nil
}
