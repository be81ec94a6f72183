// Package web renders the router's admin dashboard from embedded templates.
package web

import (
	"embed"
	"html/template"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/matst80/peerlink/internal/obs"
)

//go:embed templates/*.html
var tmplFS embed.FS

var (
	once sync.Once
	tmpl *template.Template
)

var funcs = template.FuncMap{
	"ago":   func(t time.Time) string { return humanize.Time(t) },
	"count": func(n int) string { return humanize.Comma(int64(n)) },
	"bytes": func(n uint64) string { return humanize.Bytes(n) },
}

func load() {
	base := template.New("base").Funcs(funcs)
	tmpl = template.Must(base.ParseFS(tmplFS, "templates/base.html", "templates/*.html"))
}

// Render writes the named template (which can rely on base) to w with data
// enriched by Now.
func Render(w io.Writer, name string, data map[string]any) error {
	once.Do(load)
	if data == nil {
		data = map[string]any{}
	}
	data["Now"] = time.Now().UTC().Format(time.RFC822)
	if err := tmpl.ExecuteTemplate(w, name, data); err != nil {
		obs.Error("web.render", obs.Fields{"template": name, "err": err.Error()})
		return err
	}
	return nil
}
