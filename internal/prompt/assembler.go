// Package prompt renders ordered preset modules into a single system prompt
// and trims conversation history to a token budget.
package prompt

import (
	"regexp"
	"strings"
	"time"

	"github.com/codefionn/plauderkasten/internal/logger"
)

// Module is one prompt-template fragment. Marker modules resolve their text
// from the rendering context; literal modules contribute Content verbatim.
type Module struct {
	Identifier string
	Marker     bool
	Content    string
}

// Context carries the named values available to marker resolution and
// {{placeholder}} substitution.
type Context map[string]string

// Well-known context keys.
const (
	KeyChar               = "char"
	KeyUser               = "user"
	KeyDescription        = "description"
	KeyPersonality        = "personality"
	KeyScenario           = "scenario"
	KeyWorldInfo          = "world_info"
	KeyPersonaDescription = "personaDescription"
	KeyDialogueExamples   = "dialogueExamples"
)

// markerKeys maps marker module identifiers to their context keys. The
// chatHistory marker is absent on purpose: history travels outside the
// system prompt.
var markerKeys = map[string]string{
	"charDescription":    KeyDescription,
	"charPersonality":    KeyPersonality,
	"scenario":           KeyScenario,
	"worldInfoBefore":    KeyWorldInfo,
	"worldInfoAfter":     KeyWorldInfo,
	"personaDescription": KeyPersonaDescription,
	"dialogueExamples":   KeyDialogueExamples,
}

const markerChatHistory = "chatHistory"

var placeholderRe = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)

// Assembler renders modules into one system prompt. Now is injectable so the
// appended wall-clock line stays deterministic under test.
type Assembler struct {
	Now func() time.Time
	log *logger.Logger
}

// NewAssembler returns an assembler using the real clock.
func NewAssembler() *Assembler {
	return &Assembler{
		Now: time.Now,
		log: logger.Global().WithPrefix("prompt"),
	}
}

// Assemble renders the ordered modules against ctx. Marker modules emit the
// matching context value; unknown marker identifiers pass through verbatim so
// a misconfigured preset stays visible instead of silently shrinking. Empty
// segments are skipped, segments join with newlines, and a final substitution
// pass replaces {{name}} placeholders from ctx, leaving unknown names
// untouched. An empty module list yields "".
func (a *Assembler) Assemble(modules []Module, ctx Context) string {
	if len(modules) == 0 {
		a.log.Debug("assemble called with no active modules")
		return ""
	}

	parts := make([]string, 0, len(modules)+1)
	for _, module := range modules {
		if !module.Marker {
			parts = append(parts, module.Content)
			continue
		}
		if module.Identifier == markerChatHistory {
			continue
		}
		if key, ok := markerKeys[module.Identifier]; ok {
			parts = append(parts, ctx[key])
			continue
		}
		parts = append(parts, module.Identifier)
	}

	if a.Now != nil {
		stamp := a.Now().Format("2006-01-02 15:04:05 MST")
		parts = append(parts, "[System note: the current real-world time is "+stamp+". Take it into account where appropriate.]")
	}

	joined := joinNonEmpty(parts)
	rendered := Render(joined, ctx)

	a.log.Debug("assembled system prompt, length %d", len(rendered))
	return rendered
}

// Render substitutes every {{name}} placeholder in s with ctx[name]. Unknown
// placeholders stay unchanged; rendering never fails.
func Render(s string, ctx Context) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		sub := placeholderRe.FindStringSubmatch(match)
		key := strings.TrimSpace(sub[1])
		if value, ok := ctx[key]; ok {
			return value
		}
		return match
	})
}

func joinNonEmpty(parts []string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}
