package config

import (
	"bytes"
	"os"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go
// templates. Uses {{.VAR_NAME}} syntax to avoid collision with $ characters
// inside bearer tokens and capability payload globs.
//
// Examples:
//   - tokens: ["{{.AGENT_TOKEN}}"] → value of AGENT_TOKEN
//   - name: "read_*"               → preserved literally
//
// Missing variables expand to the empty string; validation catches required
// fields that end up empty.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("space").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		// If template parsing fails, return the original data so YAML
		// without template syntax still passes through.
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		// Split only on the first = to handle values containing =.
		if idx := bytes.IndexByte([]byte(env), '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}
