package api

import (
	"bytes"
	"html/template"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/danielgtaylor/huma/v2"
)

const apiDescription = "Local companion for the Domo web UI. It watches browser tabs over CDP, " +
	"reports the object each tab shows and runs object actions inside the tab's session."

type docsTag struct {
	Name       string
	Operations int
}

type docsPage struct {
	Title       string
	Version     string
	Description string
	Tags        []docsTag
	EventsPath  string
}

// The Stoplight Elements component renders /openapi.json; the header above
// it is built from the registered operations.
var docsTemplate = template.Must(template.New("docs").Parse(`<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <meta name="referrer" content="same-origin" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>{{.Title}} {{.Version}}</title>
  <link href="https://unpkg.com/@stoplight/elements@9.0.0/styles.min.css" rel="stylesheet" />
  <script src="https://unpkg.com/@stoplight/elements@9.0.0/web-components.min.js" crossorigin="anonymous"></script>
  <style>
    body { height: 100vh; margin: 0; display: flex; flex-direction: column; background: #1c1f24; color: #d8dde3; font-family: system-ui, sans-serif; }
    header { padding: 10px 16px; border-bottom: 1px solid #2e333a; font-size: 13px; }
    header h1 { font-size: 15px; margin: 0 0 4px; }
    header span.tag { margin-right: 12px; color: #8fb8de; }
    main { flex: 1; min-height: 0; }
  </style>
</head>
<body>
  <header>
    <h1>{{.Title}} <small>v{{.Version}}</small></h1>
    <div>{{.Description}}</div>
    <div>{{range .Tags}}<span class="tag">{{.Name}} ({{.Operations}})</span>{{end}}</div>
    {{if .EventsPath}}<div>Context updates stream as server-sent events from <code>{{.EventsPath}}</code>.</div>{{end}}
  </header>
  <main>
    <elements-api
      apiDescriptionUrl="/openapi.json"
      router="hash"
      layout="sidebar"
      tryItCredentialsPolicy="same-origin"
      darkMode
    />
  </main>
</body>
</html>`))

func docsTags(oapi *huma.OpenAPI) []docsTag {
	counts := map[string]int{}
	for _, item := range oapi.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			for _, tag := range op.Tags {
				counts[tag]++
			}
		}
	}
	tags := make([]docsTag, 0, len(counts))
	for name, n := range counts {
		tags = append(tags, docsTag{Name: name, Operations: n})
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })
	return tags
}

// docsHandler renders the page on first request, after every operation
// has been registered.
func docsHandler(api huma.API, eventsPath string) http.HandlerFunc {
	render := sync.OnceValues(func() ([]byte, error) {
		oapi := api.OpenAPI()
		page := docsPage{Tags: docsTags(oapi), EventsPath: eventsPath}
		if oapi.Info != nil {
			page.Title, page.Version, page.Description = oapi.Info.Title, oapi.Info.Version, oapi.Info.Description
		}
		var buf bytes.Buffer
		if err := docsTemplate.Execute(&buf, page); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	})
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := render()
		if err != nil {
			slog.Error("docs render failed", "error", err)
			http.Error(w, "docs unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if _, err := w.Write(body); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	}
}
