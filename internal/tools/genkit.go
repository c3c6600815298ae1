package tools

import (
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// Advertise registers every tool in the registry with Genkit and returns
// the tool references to attach to generate calls. The orchestrator runs
// tools itself (generation uses WithReturnToolRequests), so the Genkit
// handler is a passthrough used only if a caller lets Genkit drive the
// loop.
func Advertise(g *genkit.Genkit, reg *Registry) []ai.ToolRef {
	names := reg.Names()
	refs := make([]ai.ToolRef, 0, len(names))

	for _, name := range names {
		t, ok := reg.Lookup(name)
		if !ok {
			continue
		}
		def := genkit.DefineTool(g, t.Name(), t.Description(),
			func(tc *ai.ToolContext, input map[string]any) (string, error) {
				return t.Invoke(tc.Context, input)
			})
		refs = append(refs, def)
	}

	return refs
}
