package domain

import "time"

// Signals are named values a step publishes for later steps and assertions.
type Signals map[string]any

// Clone deep-copies the signal map so one step cannot mutate what another
// step already published.
func (s Signals) Clone() Signals {
	if s == nil {
		return nil
	}
	out := make(Signals, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Submission is an uploaded file a run validates.
type Submission struct {
	ID          string
	OrgID       string
	FileName    string
	ContentType string
	StorageURI  string
	SizeBytes   int64
	UploadedAt  time.Time
}
