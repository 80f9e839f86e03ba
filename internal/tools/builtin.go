package tools

// BuiltinDeps wires the external backends of the default tool set. Nil
// backends keep the tool registered; calls then report ErrNotAvailable.
type BuiltinDeps struct {
	Launcher      Launcher
	Web           *WebSearcher
	Knowledge     KnowledgeSearcher
	KnowledgeTopK int
	Graph         GraphSearcher
}

// NewDefaultRegistry registers the assistant's tools in catalog order.
func NewDefaultRegistry(deps BuiltinDeps) (*Registry, error) {
	return NewRegistry(
		ListDirectory(),
		OpenApplication(deps.Launcher),
		WebSearch(deps.Web),
		SearchKnowledgeBase(deps.Knowledge, deps.KnowledgeTopK),
		QueryKnowledgeGraph(deps.Graph),
	)
}
