package session

// Step is one entry of the ordered stage-completion checklist.
type Step struct {
	Name string
	Done bool
}

// Progress derives the ordered stage checklist from field presence. It is
// recomputed on every call and never cached, so it cannot go stale
// relative to the session's true field state.
func Progress(s *Session) []Step {
	return []Step{
		{Name: "CSV uploaded", Done: len(s.CSVColumns) > 0},
		{Name: "columns selected", Done: s.TargetColumn != ""},
		{Name: "opinions processed", Done: len(s.ProcessedOpinions) > 0},
		{Name: "embedded", Done: len(s.Embeddings) > 0},
		{Name: "reduced", Done: len(s.ReducedEmbeddings) > 0},
		{Name: "clustered", Done: len(s.Clusters) > 0},
	}
}

// CompletedSteps counts the finished checklist entries.
func CompletedSteps(steps []Step) int {
	n := 0
	for _, st := range steps {
		if st.Done {
			n++
		}
	}
	return n
}

// Ratio is overall progress as completed / total.
func Ratio(steps []Step) float64 {
	if len(steps) == 0 {
		return 0
	}
	return float64(CompletedSteps(steps)) / float64(len(steps))
}
