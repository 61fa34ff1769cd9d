package api

import (
	"fmt"
	"html/template"
	"io"

	"github.com/a11yscan/a11yscan/internal/scan"
)

// reportData is the view model for the exported HTML report. Score and
// health are derived on read and never persisted.
type reportData struct {
	Result scan.Result
	Score  int
	Health scan.HealthLabel
}

var reportTmpl = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Accessibility Report — {{.Result.SubmittedURL}}</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem auto; max-width: 60rem; color: #1a1a2e; }
h1 { font-size: 1.5rem; }
.summary { display: flex; gap: 2rem; margin: 1rem 0; }
.summary div { padding: 0.75rem 1.25rem; border: 1px solid #ddd; border-radius: 6px; }
.score { font-size: 2rem; font-weight: bold; }
.health-healthy { color: #1a7f37; }
.health-fair { color: #9a6700; }
.health-poor { color: #bc4c00; }
.health-critical { color: #cf222e; }
.violation { border: 1px solid #ddd; border-radius: 6px; padding: 1rem; margin: 0.75rem 0; }
.violation h3 { margin: 0 0 0.25rem; font-size: 1rem; }
.impact { display: inline-block; padding: 0.1rem 0.5rem; border-radius: 4px; font-size: 0.8rem; color: #fff; background: #6e7781; }
.impact-critical { background: #cf222e; }
.impact-serious { background: #bc4c00; }
.impact-moderate { background: #9a6700; }
.impact-minor { background: #57606a; }
.node { font-family: monospace; font-size: 0.85rem; background: #f6f8fa; padding: 0.5rem; margin: 0.25rem 0; border-radius: 4px; overflow-x: auto; }
.error { color: #cf222e; border: 1px solid #cf222e; border-radius: 6px; padding: 1rem; }
footer { margin-top: 2rem; font-size: 0.8rem; color: #57606a; }
</style>
</head>
<body>
<h1>Accessibility Report</h1>
<p><strong>{{.Result.SubmittedURL}}</strong>{{if ne .Result.ActualURL .Result.SubmittedURL}} (resolved to {{.Result.ActualURL}}){{end}}</p>
{{if .Result.PageTitle}}<p>Page title: {{.Result.PageTitle}}</p>{{end}}
{{if .Result.Success}}
<div class="summary">
  <div><div class="score health-{{.Health}}">{{.Score}}</div>score</div>
  <div><div class="score health-{{.Health}}">{{.Health}}</div>health</div>
  <div><div class="score">{{len .Result.Violations}}</div>violations</div>
</div>
{{range .Result.Violations}}
<div class="violation">
  <h3>{{.RuleID}} <span class="impact impact-{{.Impact}}">{{if .Impact}}{{.Impact}}{{else}}unknown{{end}}</span></h3>
  <p>{{.Description}}</p>
  {{if .HelpURL}}<p><a href="{{.HelpURL}}">{{.HelpText}}</a></p>{{else}}<p>{{.HelpText}}</p>{{end}}
  {{range .AffectedNodes}}<div class="node">{{.HTMLSnippet}}</div>{{end}}
</div>
{{else}}
<p>No violations detected.</p>
{{end}}
{{else}}
<div class="error">Scan failed: {{.Result.ErrorMessage}}</div>
{{end}}
<footer>Job {{.Result.JobID}} · scanned {{.Result.Timestamp.Format "2006-01-02 15:04:05 UTC"}}</footer>
</body>
</html>
`))

// renderReport writes the HTML report for a scan result.
func renderReport(w io.Writer, result scan.Result) error {
	score := scan.Score(result.Violations)
	data := reportData{
		Result: result,
		Score:  score,
		Health: scan.Health(score),
	}
	if err := reportTmpl.Execute(w, data); err != nil {
		return fmt.Errorf("execute report template: %w", err)
	}
	return nil
}
