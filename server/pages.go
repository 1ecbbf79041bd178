package server

import (
	"html/template"
	"log/slog"
	"net/http"
)

// pageView feeds pageTemplate.
type pageView struct {
	Title    string
	Page     string
	Message  string
	Code     string
	SetupURL string
	Session  *Session
	Mode     string
	// Paths used by the forms and links.
	LoginPath     string
	StartPath     string
	AssociatePath string
	UnbindPath    string
	From          string
	Identifiers   []string
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: Arial, sans-serif; margin: 2rem auto; max-width: 640px; color: #1d1d1f; }
h1 { font-size: 1.6rem; margin-bottom: 1rem; }
label { display: block; margin-bottom: 0.5rem; font-weight: 600; }
input[type=text] { width: 100%; padding: 0.5rem; margin-bottom: 1rem; }
button { padding: 0.6rem 1.2rem; font-size: 1rem; cursor: pointer; }
.error { border: 1px solid #d32f2f; background: #fbeaea; border-radius: 8px; padding: 1rem; }
small { color: #555; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{if eq .Page "error"}}
<div class="error">
  <p>{{.Message}}</p>
  {{if .Code}}<small>Reason: {{.Code}}</small>{{end}}
</div>
{{if .SetupURL}}<p><a href="{{.SetupURL}}">Continue at your provider</a> and then try again.</p>{{end}}
<p><a href="/">Back</a></p>
{{else if eq .Page "login"}}
<form method="post" action="{{.StartPath}}">
  <label for="openid">Your OpenID</label>
  <input id="openid" name="openid" type="text" placeholder="https://provider.example/" autofocus />
  <input name="from" type="hidden" value="{{.From}}" />
  <button type="submit">Log in</button>
</form>
{{if .Session}}
<h2>Associate another OpenID</h2>
<form method="post" action="{{.AssociatePath}}">
  <label for="associate">OpenID to add to {{.Session.Account}}</label>
  <input id="associate" name="openid" type="text" />
  <input name="from" type="hidden" value="{{.From}}" />
  <button type="submit">Associate</button>
</form>
{{end}}
{{else}}
{{if .Session}}
<p>Logged in as <strong>{{.Session.Account}}</strong>{{if .Session.FullName}} ({{.Session.FullName}}){{end}}.</p>
{{if .Identifiers}}
<h2>Your OpenIDs</h2>
<ul>
{{range .Identifiers}}  <li>{{.}}{{if and $.UnbindPath (gt (len $.Identifiers) 1)}}
    <form method="post" action="{{$.UnbindPath}}" style="display:inline">
      <input name="openid" type="hidden" value="{{.}}" />
      <button type="submit">Remove</button>
    </form>{{end}}</li>
{{end}}</ul>
{{end}}
<form method="post" action="/logout"><button type="submit">Log out</button></form>
{{else}}
<p><a href="{{.LoginPath}}">Log in</a></p>
{{end}}
{{end}}
</body>
</html>
`))

func renderPage(w http.ResponseWriter, status int, view pageView, logger *slog.Logger) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := pageTemplate.Execute(w, view); err != nil {
		logger.Error("render page", "page", view.Page, "error", err)
	}
}
