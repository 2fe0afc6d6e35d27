package devbackend

import (
	"bytes"
	_ "embed"
	"html/template"
	"net/http"
	"time"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/html"
	"github.com/tdewolff/minify/v2/js"
)

//go:embed status.html
var statusPage string

var statusTemplate = template.Must(template.New("status").Parse(statusPage))

func newMinifier() *minify.M {
	m := minify.New()
	m.AddFunc("text/html", html.Minify)
	m.AddFunc("text/css", css.Minify)
	m.AddFunc("application/javascript", js.Minify)
	return m
}

var pageMinifier = newMinifier()

type pageData struct {
	Version string
	Uptime  string
	Sockets int
	Users   int
}

// renderPage returns the minified status page.
func (b *Backend) renderPage() ([]byte, error) {
	b.mu.RLock()
	users := len(b.users)
	b.mu.RUnlock()

	var buf bytes.Buffer
	err := statusTemplate.Execute(&buf, pageData{
		Version: b.opts.Version,
		Uptime:  b.Uptime().Truncate(time.Second).String(),
		Sockets: b.Sockets(),
		Users:   users,
	})
	if err != nil {
		return nil, err
	}
	return pageMinifier.Bytes("text/html", buf.Bytes())
}

func (b *Backend) servePage(w http.ResponseWriter, r *http.Request) {
	page, err := b.renderPage()
	if err != nil {
		b.logger.Error("Status page failed", "error", err)
		http.Error(w, "status page unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(page)
}
