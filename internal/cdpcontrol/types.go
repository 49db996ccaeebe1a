package cdpcontrol

// PageState is the document state reported by a readiness probe.
type PageState struct {
	ReadyState string `json:"ready_state"`
	URL        string `json:"url"`
}

// Complete reports whether the document has finished loading.
func (p PageState) Complete() bool {
	return p.ReadyState == "complete"
}
