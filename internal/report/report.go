// Package report renders a minimal HTML summary of a finished session:
// turn list, a latency table derived from Interactions, and the sampler's
// resource-usage series embedded as inline JSON for a small client-side
// sparkline. Deliberately dependency-free (html/template from the standard
// library): the Session Runtime's finalize step treats the renderer as a
// replaceable external collaborator whose only contract is "data.json in,
// report.html out, failure is a warning" (spec §4.2 finalize step 11).
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"

	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/schema"
)

var page = template.Must(template.New("report").Parse(reportTemplate))

// viewModel is the data the template renders, precomputed so the template
// itself stays free of business logic.
type viewModel struct {
	SessionID      string
	StartedAtIso   string
	EndedAtIso     string
	Command        string
	TurnCount      int
	InteractionRows []interactionRow
	Warnings       []string
	SamplesJSON    template.JS
	CorrelationRows []correlationRow
}

type interactionRow struct {
	ID          int64
	Kind        string
	TurnIndex   string
	T1Ms        string
	T2Ms        string
	InputBytes  int64
	OutputBytes int64
	EndReason   string
}

type correlationRow struct {
	TurnIndex    int
	RecordCount  int
	ToolUseCount int
	InputTokens  string
	OutputTokens string
}

// Render produces the report.html contents for a finished session. The only
// failure mode is a template execution error, which the caller downgrades
// to a warning rather than aborting finalize.
func Render(data *schema.SessionData) ([]byte, error) {
	vm := buildViewModel(data)

	var buf bytes.Buffer
	if err := page.Execute(&buf, vm); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return buf.Bytes(), nil
}

func buildViewModel(data *schema.SessionData) viewModel {
	vm := viewModel{
		SessionID:    data.SessionID,
		StartedAtIso: data.StartedAtIso,
		EndedAtIso:   data.EndedAtIso,
		TurnCount:    len(data.Turns),
		Warnings:     data.Warnings,
	}

	if len(data.Config.Command) > 0 {
		vm.Command = fmt.Sprint(data.Config.Command)
	} else if data.Config.CommandSha256 != "" {
		vm.Command = "sha256:" + data.Config.CommandSha256
	}

	for _, ia := range data.Interactions {
		row := interactionRow{
			ID:          ia.ID,
			Kind:        string(ia.Kind),
			InputBytes:  ia.InputBytes,
			OutputBytes: ia.OutputBytes,
			EndReason:   string(ia.EndReason),
		}
		if ia.TurnIndex != nil {
			row.TurnIndex = fmt.Sprintf("%d", *ia.TurnIndex)
		}
		if ia.T1Ms != nil {
			row.T1Ms = fmt.Sprintf("%d", *ia.T1Ms)
		}
		if ia.T2Ms != nil {
			row.T2Ms = fmt.Sprintf("%d", *ia.T2Ms)
		}
		vm.InteractionRows = append(vm.InteractionRows, row)
	}

	if data.JSONL.Correlation != nil {
		for _, c := range data.JSONL.Correlation.PerTurn {
			row := correlationRow{
				TurnIndex:    c.TurnIndex,
				RecordCount:  c.RecordCount,
				ToolUseCount: c.ToolUseCount,
			}
			if c.InputTokenCount != nil {
				row.InputTokens = fmt.Sprintf("%d", *c.InputTokenCount)
			}
			if c.OutputTokenCount != nil {
				row.OutputTokens = fmt.Sprintf("%d", *c.OutputTokenCount)
			}
			vm.CorrelationRows = append(vm.CorrelationRows, row)
		}
	}

	samples := data.Samples
	if samples == nil {
		samples = []schema.ProcessSample{}
	}
	samplesJSON, err := json.Marshal(samples)
	if err != nil {
		samplesJSON = []byte("[]")
	}
	vm.SamplesJSON = template.JS(samplesJSON)

	return vm
}

const reportTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>ccprofiler session {{.SessionID}}</title>
<style>
body { font-family: sans-serif; margin: 2rem; color: #1a1a1a; }
table { border-collapse: collapse; margin-bottom: 1.5rem; }
th, td { border: 1px solid #ccc; padding: 0.3rem 0.6rem; text-align: left; font-size: 0.9rem; }
th { background: #f2f2f2; }
#sparkline { width: 600px; height: 120px; border: 1px solid #ccc; }
.warn { color: #8a4b00; }
</style>
</head>
<body>
<h1>ccprofiler session</h1>
<p>
  <strong>Session:</strong> {{.SessionID}}<br>
  <strong>Started:</strong> {{.StartedAtIso}} &mdash; <strong>Ended:</strong> {{.EndedAtIso}}<br>
  <strong>Command:</strong> {{.Command}}<br>
  <strong>Turns:</strong> {{.TurnCount}}
</p>

{{if .Warnings}}
<h2>Warnings</h2>
<ul class="warn">
{{range .Warnings}}<li>{{.}}</li>
{{end}}
</ul>
{{end}}

<h2>Latency</h2>
<table>
<tr><th>ID</th><th>Kind</th><th>Turn</th><th>T1 (ms)</th><th>T2 (ms)</th><th>In bytes</th><th>Out bytes</th><th>End reason</th></tr>
{{range .InteractionRows}}<tr><td>{{.ID}}</td><td>{{.Kind}}</td><td>{{.TurnIndex}}</td><td>{{.T1Ms}}</td><td>{{.T2Ms}}</td><td>{{.InputBytes}}</td><td>{{.OutputBytes}}</td><td>{{.EndReason}}</td></tr>
{{end}}
</table>

{{if .CorrelationRows}}
<h2>External-log correlation</h2>
<table>
<tr><th>Turn</th><th>Records</th><th>Tool uses</th><th>Input tokens</th><th>Output tokens</th></tr>
{{range .CorrelationRows}}<tr><td>{{.TurnIndex}}</td><td>{{.RecordCount}}</td><td>{{.ToolUseCount}}</td><td>{{.InputTokens}}</td><td>{{.OutputTokens}}</td></tr>
{{end}}
</table>
{{end}}

<h2>Process samples</h2>
<canvas id="sparkline"></canvas>
<script>
var samples = {{.SamplesJSON}};
(function() {
  var canvas = document.getElementById("sparkline");
  if (!canvas || !samples.length) { return; }
  var ctx = canvas.getContext("2d");
  canvas.width = 600;
  canvas.height = 120;
  var maxRss = 0;
  samples.forEach(function(s) { if (s.rssBytes > maxRss) { maxRss = s.rssBytes; } });
  if (maxRss === 0) { return; }
  ctx.beginPath();
  samples.forEach(function(s, i) {
    var x = (i / (samples.length - 1 || 1)) * canvas.width;
    var y = canvas.height - (s.rssBytes / maxRss) * canvas.height;
    if (i === 0) { ctx.moveTo(x, y); } else { ctx.lineTo(x, y); }
  });
  ctx.strokeStyle = "#2060c0";
  ctx.stroke();
})();
</script>
</body>
</html>
`
