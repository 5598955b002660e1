// ABOUTME: Embeds HTML templates into the binary using go:embed
// ABOUTME: Parses the transcript template once at startup

package gateway

import (
	"embed"
	"html/template"
)

//go:embed templates/*.html
var templateFS embed.FS

var transcriptTemplate = template.Must(template.ParseFS(templateFS, "templates/transcript.html"))
