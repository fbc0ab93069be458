package executor

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/aramoto99/new-aiaccel/pkg/models"
)

// JobScriptData is the input of the job script template.
type JobScriptData struct {
	Preamble string
	JobName  string
	Dir      string
	Command  string
	Args     []string
	Env      []string
}

var jobScriptTmpl = template.Must(template.New("job.sh").Funcs(template.FuncMap{
	"quote": shellQuote,
}).Parse(`#!/bin/bash
{{- with .Preamble}}
{{.}}
{{- end}}
#$ -N {{.JobName}}

cd {{quote .Dir}}
{{- range .Env}}
export {{quote .}}
{{- end}}

{{.Command}}{{range .Args}} {{quote .}}{{end}} > {{quote "stdout.log"}} 2>&1
echo $? > {{quote "exit_code"}}
`))

// RenderJobScript renders the batch script for a trial. The output depends
// only on its inputs; parameters are emitted in name order.
func RenderJobScript(preamble, jobName, dir, command, function string, t *models.Trial) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("empty job command")
	}
	if strings.ContainsAny(jobName, " \t\n") {
		return "", fmt.Errorf("job name %q contains whitespace", jobName)
	}
	data := JobScriptData{
		Preamble: strings.TrimRight(preamble, "\n"),
		JobName:  jobName,
		Dir:      dir,
		Command:  command,
		Args:     ParamArgs(t.Params),
		Env:      TrialEnv(Job{Trial: t, Dir: dir}, function),
	}
	var buf bytes.Buffer
	if err := jobScriptTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render job script: %w", err)
	}
	return buf.String(), nil
}

// shellQuote single-quotes s for POSIX shells.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '-' || r == '_' || r == '.' || r == '/' || r == '=' || r == ':' || r == '+' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
