package web

import (
	"embed"
	"html/template"
	"io/fs"
	"sync"
)

// staticFiles bundles the browser player assets.
//
//go:embed static/*
var staticFiles embed.FS

// Static returns a filesystem rooted at the bundled static assets.
func Static() (fs.FS, error) {
	return fs.Sub(staticFiles, "static")
}

var playerTemplate = sync.OnceValues(func() (*template.Template, error) {
	return template.ParseFS(staticFiles, "static/player.html")
})

// PlayerTemplate returns the parsed player page. It expects Source and
// HLSURL fields.
func PlayerTemplate() (*template.Template, error) {
	return playerTemplate()
}
