package web

import "embed"

// FS contains the embedded operator console (HTML, CSS, JS).
//
//go:embed *.html *.css *.js
var FS embed.FS
