// Package execbackend runs validator containers. Backends differ in where the
// container runs and whether the caller waits for it; the validator layer is
// oblivious to both.
package execbackend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/veriflow-labs/veriflow-go/internal/envelope"
)

// ErrBackendUnavailable reports that the backend itself is unreachable. It is
// distinct from a failed execution, which is a Response carrying ErrorMessage.
var ErrBackendUnavailable = errors.New("execution backend unavailable")

// Request describes one container execution.
type Request struct {
	RunID         string
	StepID        string
	OrgID         string
	WorkflowID    string
	ValidatorType string
	Image         string
	Timeout       time.Duration
	InputFiles    []string
	Inputs        map[string]any
	CallbackURL   string
}

// Response is the backend's view of an execution. Completed=false means the
// result will arrive later through a callback carrying ExecutionID.
type Response struct {
	ExecutionID  string
	Completed    bool
	Output       *envelope.Output
	ErrorMessage string
}

type Backend interface {
	Name() string
	IsAsync() bool
	Execute(ctx context.Context, req Request) (Response, error)
	ContainerImage(validatorType string) (string, error)
	// Cancel is best-effort; backends that cannot reach a started execution
	// return nil.
	Cancel(ctx context.Context, executionID string) error
}

// ImageRegistry maps validator types to container image references. Workflow
// steps may pin an explicit image which takes precedence.
type ImageRegistry struct {
	images map[string]string
}

func NewImageRegistry(images map[string]string) *ImageRegistry {
	copied := make(map[string]string, len(images))
	for validatorType, image := range images {
		validatorType = strings.TrimSpace(validatorType)
		image = strings.TrimSpace(image)
		if validatorType == "" || image == "" {
			continue
		}
		copied[validatorType] = image
	}
	return &ImageRegistry{images: copied}
}

// ParseImageMap reads "type=image,type=image" pairs, the format of the
// VERIFLOW_VALIDATOR_IMAGES environment variable.
func ParseImageMap(raw string) (map[string]string, error) {
	images := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idx := strings.Index(pair, "=")
		if idx <= 0 || idx == len(pair)-1 {
			return nil, fmt.Errorf("invalid validator image mapping %q", pair)
		}
		images[strings.TrimSpace(pair[:idx])] = strings.TrimSpace(pair[idx+1:])
	}
	return images, nil
}

func (r *ImageRegistry) Image(validatorType string) (string, error) {
	if r == nil {
		return "", fmt.Errorf("image registry not initialized")
	}
	image, ok := r.images[strings.TrimSpace(validatorType)]
	if !ok {
		return "", fmt.Errorf("no image registered for validator type %q", validatorType)
	}
	return image, nil
}

// Types lists the validator types with a registered image, sorted.
func (r *ImageRegistry) Types() []string {
	if r == nil {
		return nil
	}
	types := make([]string, 0, len(r.images))
	for validatorType := range r.images {
		types = append(types, validatorType)
	}
	sort.Strings(types)
	return types
}

func (req Request) validate() error {
	if strings.TrimSpace(req.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(req.StepID) == "" {
		return errors.New("step id is required")
	}
	if strings.TrimSpace(req.ValidatorType) == "" {
		return errors.New("validator type is required")
	}
	if len(req.InputFiles) == 0 {
		return errors.New("at least one input file is required")
	}
	return nil
}

func envelopePath(bucket, runID, stepID, name string) string {
	return fmt.Sprintf("%s/%s/%s/%s", bucket, runID, stepID, name)
}
