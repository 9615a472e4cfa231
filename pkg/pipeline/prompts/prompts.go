// Package prompts embeds the language model prompts used by the pipeline.
package prompts

import "embed"

//go:embed *.md
var PromptsFS embed.FS
