package pipeline

// contentSelector drops noisy observation events before anything else
// sees them and records which scope applies.
type contentSelector struct {
	filterNoise bool
	noiseTypes  map[string]bool
}

func newContentSelector(cfg map[string]any) *contentSelector {
	noise := map[string]bool{}
	for _, t := range configStrings(cfg, "noise_event_types") {
		noise[t] = true
	}
	return &contentSelector{
		filterNoise: configBool(cfg, "filter_noise", true),
		noiseTypes:  noise,
	}
}

func (s *contentSelector) ID() string { return "content_selector" }

func (s *contentSelector) Process(ctx Context, agentID, sessionID string) (Context, map[string]any, error) {
	out := cloneContext(ctx)
	mods := map[string]any{}

	if s.filterNoise {
		if observations, ok := observationsOf(out); ok {
			kept := make([]map[string]any, 0, len(observations))
			for _, obs := range observations {
				t, _ := obs["event_type"].(string)
				if !s.noiseTypes[t] {
					kept = append(kept, obs)
				}
			}
			if removed := len(observations) - len(kept); removed > 0 {
				out["observations"] = kept
				mods["observations_filtered"] = removed
			}
		}
	}

	if scope, ok := metadataOf(out)["context_scope"].(string); ok && scope == "minimal" {
		mods["scope_applied"] = "minimal"
	}
	return out, mods, nil
}
