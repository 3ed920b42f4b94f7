package bridge

import (
	"html/template"
	"net/http"

	"github.com/dpup/wxauth/logging"
)

const errorViewSource = `<!DOCTYPE html>
<html lang="zh-CN">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
</head>
<body>
<h1>{{.Title}}</h1>
<p class="error">{{.Error}}</p>
{{if .Description}}<p class="description">{{.Description}}</p>{{end}}
</body>
</html>
`

var errorView = template.Must(template.New("error").Parse(errorViewSource))

type errorViewData struct {
	Title       string
	Error       string
	Description string
}

// Renders the browser facing error page. Values are escaped by html/template.
func renderError(w http.ResponseWriter, r *http.Request, status int, code, description string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	err := errorView.Execute(w, &errorViewData{
		Title:       "Authorization failed",
		Error:       code,
		Description: description,
	})
	if err != nil {
		logging.Errorw(r.Context(), "bridge: failed to render error view", "error", err)
	}
}
