package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/veriflow-labs/veriflow-go/internal/assertion"
	"github.com/veriflow-labs/veriflow-go/internal/domain"
	"github.com/veriflow-labs/veriflow-go/internal/storage"
)

// SimpleEngine validates in-process: it reads the submission from storage
// and hands the bytes to its strategy via the shared lifecycle.
type SimpleEngine struct {
	validatorType string
	store         storage.Store
	engine        *assertion.Engine
	strat         strategy
}

func NewSimpleEngine(validatorType string, store storage.Store, engine *assertion.Engine, strat strategy) (*SimpleEngine, error) {
	if validatorType == "" {
		return nil, errors.New("validator type is required")
	}
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if engine == nil {
		return nil, errors.New("assertion engine is required")
	}
	if strat == nil {
		return nil, errors.New("strategy is required")
	}
	return &SimpleEngine{validatorType: validatorType, store: store, engine: engine, strat: strat}, nil
}

// NewJSONStructureEngine validates that a submission is a well-formed JSON
// object and publishes structural signals.
func NewJSONStructureEngine(store storage.Store, engine *assertion.Engine) (*SimpleEngine, error) {
	return NewSimpleEngine("json-structure", store, engine, jsonStructure{})
}

// NewXMLWellformedEngine validates XML well-formedness.
func NewXMLWellformedEngine(store storage.Store, engine *assertion.Engine) (*SimpleEngine, error) {
	return NewSimpleEngine("xml-wellformed", store, engine, xmlWellformed{})
}

func (e *SimpleEngine) Type() string             { return e.validatorType }
func (e *SimpleEngine) RequiresRunContext() bool { return false }

func (e *SimpleEngine) Validate(ctx context.Context, in ValidateInput) (StepResult, error) {
	if err := in.validate(); err != nil {
		return StepResult{}, err
	}
	data, err := e.store.Read(ctx, storage.PathFromURI(in.InputFiles[0]))
	if err != nil {
		return StepResult{}, fmt.Errorf("read submission: %w", err)
	}
	return runLifecycle(ctx, e.engine, e.strat, in, data), nil
}

type jsonStructure struct{}

func (jsonStructure) Parse(data []byte) (map[string]any, *domain.Issue) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &domain.Issue{
			Severity: domain.SeverityError,
			Code:     "invalid_json",
			Message:  fmt.Sprintf("submission is not a JSON object: %v", err),
		}
	}
	return payload, nil
}

func (jsonStructure) Check(payload map[string]any) []domain.Issue {
	var issues []domain.Issue
	if len(payload) == 0 {
		issues = append(issues, domain.Issue{
			Severity: domain.SeverityWarning,
			Code:     "empty_document",
			Message:  "submission has no top-level fields",
		})
	}
	return issues
}

func (jsonStructure) ExtractSignals(payload map[string]any) domain.Signals {
	keys := make([]any, 0, len(payload))
	names := make([]string, 0, len(payload))
	for key := range payload {
		names = append(names, key)
	}
	sort.Strings(names)
	for _, name := range names {
		keys = append(keys, name)
	}
	return domain.Signals{
		"field_count":    len(payload),
		"top_level_keys": keys,
	}
}

type xmlWellformed struct{}

func (xmlWellformed) Parse(data []byte) (map[string]any, *domain.Issue) {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	var root string
	elements := 0
	depth := 0
	maxDepth := 0
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &domain.Issue{
				Severity: domain.SeverityError,
				Code:     "invalid_xml",
				Message:  fmt.Sprintf("submission is not well-formed XML: %v", err),
			}
		}
		switch typed := token.(type) {
		case xml.StartElement:
			if root == "" {
				root = typed.Name.Local
			}
			elements++
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case xml.EndElement:
			depth--
		}
	}
	if elements == 0 {
		return nil, &domain.Issue{
			Severity: domain.SeverityError,
			Code:     "invalid_xml",
			Message:  "submission contains no XML elements",
		}
	}
	return map[string]any{
		"root":          root,
		"element_count": elements,
		"max_depth":     maxDepth,
	}, nil
}

func (xmlWellformed) Check(map[string]any) []domain.Issue { return nil }

func (xmlWellformed) ExtractSignals(payload map[string]any) domain.Signals {
	return domain.Signals(payload).Clone()
}
