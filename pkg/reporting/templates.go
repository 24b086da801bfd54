/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: templates.go
Description: HTML template of the batch summary page.
*/

package reporting

// summaryTemplate renders a BatchSummary
const summaryTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}} - Telemetry Batch</title>
    <style>
        body {
            font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif;
            background: #f4f5fb;
            color: #333;
            margin: 0;
            padding: 20px;
        }
        .container { max-width: 1200px; margin: 0 auto; }
        .header, .device {
            background: #fff;
            border-radius: 10px;
            box-shadow: 0 2px 8px rgba(0, 0, 0, 0.08);
            padding: 20px;
            margin-bottom: 20px;
        }
        .error { color: #c0392b; font-weight: bold; }
        table { border-collapse: collapse; width: 100%; }
        th, td { text-align: left; padding: 6px 10px; border-bottom: 1px solid #eee; }
        th { background: #667eea; color: #fff; }
        .completed { color: #27ae60; }
        .gave-up, .fatal { color: #c0392b; }
        .abandoned { color: #e67e22; }
    </style>
</head>
<body>
<div class="container">
    <div class="header">
        <h1>{{.Title}}</h1>
        <p>Target: {{.Target}}</p>
        <p>Generated: {{.GeneratedAt.Format "2006-01-02 15:04:05"}}</p>
        {{if .Error}}<p class="error">{{.Error}}</p>{{end}}
    </div>
    {{range .Devices}}
    <div class="device">
        <h2>{{.Device}}</h2>
        <p>{{.Completed}} of {{len .Runs}} runs completed, {{.Redone}} redone</p>
        <table>
            <tr><th>Run</th><th>State</th><th>Cycles</th><th>Attempt</th><th>Events</th><th>Screens</th><th>Duration</th><th>Archive</th></tr>
            {{range .Runs}}
            <tr>
                <td>{{.Index}}</td>
                <td class="{{.State}}">{{.State}}</td>
                <td>{{.Cycles}}</td>
                <td>{{.Attempt}}</td>
                <td>{{.TotalEvents}}</td>
                <td>{{.DistinctScreens}}</td>
                <td>{{rounded .Duration}}</td>
                <td>{{.Archive}}</td>
            </tr>
            {{end}}
        </table>
    </div>
    {{end}}
</div>
</body>
</html>
`
