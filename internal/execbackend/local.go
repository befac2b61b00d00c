package execbackend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veriflow-labs/veriflow-go/internal/envelope"
	"github.com/veriflow-labs/veriflow-go/internal/storage"
)

const defaultExecTimeout = 10 * time.Minute

// LocalBackend runs validator containers through the docker CLI and blocks
// until the container exits. The container reads its input envelope from the
// object store and writes its output envelope next to it.
type LocalBackend struct {
	dockerBin string
	store     storage.Store
	bucket    string
	registry  *ImageRegistry
	log       *slog.Logger
}

func NewLocalBackend(dockerBin string, store storage.Store, bucket string, registry *ImageRegistry, log *slog.Logger) (*LocalBackend, error) {
	dockerBin = strings.TrimSpace(dockerBin)
	if dockerBin == "" {
		dockerBin = "docker"
	}
	if _, err := exec.LookPath(dockerBin); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("envelope bucket is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &LocalBackend{dockerBin: dockerBin, store: store, bucket: bucket, registry: registry, log: log}, nil
}

func (b *LocalBackend) Name() string  { return "local-docker" }
func (b *LocalBackend) IsAsync() bool { return false }

func (b *LocalBackend) ContainerImage(validatorType string) (string, error) {
	return b.registry.Image(validatorType)
}

func (b *LocalBackend) Execute(ctx context.Context, req Request) (Response, error) {
	if err := req.validate(); err != nil {
		return Response{}, err
	}
	image := strings.TrimSpace(req.Image)
	if image == "" {
		resolved, err := b.ContainerImage(req.ValidatorType)
		if err != nil {
			return Response{}, err
		}
		image = resolved
	}

	executionID := uuid.NewString()
	inputURI, err := b.writeInputEnvelope(ctx, req)
	if err != nil {
		return Response{}, err
	}
	outputPath := envelopePath(b.bucket, req.RunID, req.StepID, "output.json")

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"run",
		"--rm",
		"--name", "veriflow-" + executionID,
		"--network", "host",
		"-e", "VERIFLOW_INPUT_ENVELOPE_URI=" + inputURI,
		"-e", "VERIFLOW_OUTPUT_ENVELOPE_PATH=" + outputPath,
		"-e", "VERIFLOW_EXECUTION_ID=" + executionID,
		image,
	}
	cmd := exec.CommandContext(runCtx, b.dockerBin, args...)
	out, runErr := cmd.CombinedOutput()
	if runErr != nil {
		text := strings.TrimSpace(string(out))
		lower := strings.ToLower(text)
		if strings.Contains(lower, "cannot connect to the docker daemon") {
			return Response{}, fmt.Errorf("%w: %s", ErrBackendUnavailable, text)
		}
		// A non-zero exit is a failed execution, not a backend fault; the
		// container may still have written a structured output envelope.
		b.log.Warn("validator container exited non-zero",
			"run_id", req.RunID, "step_id", req.StepID, "execution_id", executionID, "output", text)
	}

	raw, err := b.store.Read(ctx, outputPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			msg := "container produced no output envelope"
			if runErr != nil {
				msg = fmt.Sprintf("%s: %s", msg, strings.TrimSpace(string(out)))
			}
			return Response{ExecutionID: executionID, Completed: true, ErrorMessage: msg}, nil
		}
		return Response{}, fmt.Errorf("read output envelope: %w", err)
	}

	output, err := envelope.UnmarshalOutput(raw)
	if err != nil {
		return Response{ExecutionID: executionID, Completed: true, ErrorMessage: err.Error()}, nil
	}
	if output.ExecutionID == "" {
		output.ExecutionID = executionID
	}
	return Response{ExecutionID: executionID, Completed: true, Output: &output}, nil
}

func (b *LocalBackend) Cancel(ctx context.Context, executionID string) error {
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, b.dockerBin, "rm", "--force", "veriflow-"+executionID)
	if out, err := cmd.CombinedOutput(); err != nil {
		text := strings.TrimSpace(string(out))
		if strings.Contains(text, "No such container") {
			return nil
		}
		return fmt.Errorf("docker rm failed: %w: %s", err, text)
	}
	return nil
}

func (b *LocalBackend) writeInputEnvelope(ctx context.Context, req Request) (string, error) {
	payload, err := envelope.MarshalInput(envelope.Input{
		RunID:      req.RunID,
		StepID:     req.StepID,
		OrgID:      req.OrgID,
		WorkflowID: req.WorkflowID,
		Validator: envelope.ValidatorDescriptor{
			Type:    req.ValidatorType,
			Image:   req.Image,
			Timeout: req.Timeout.String(),
			Inputs:  req.Inputs,
		},
		InputFiles: req.InputFiles,
		// Sync executions read the result from storage directly.
		SkipCallback: true,
	})
	if err != nil {
		return "", fmt.Errorf("build input envelope: %w", err)
	}
	path := envelopePath(b.bucket, req.RunID, req.StepID, "input.json")
	uri, err := b.store.Write(ctx, path, payload, "application/json")
	if err != nil {
		return "", fmt.Errorf("write input envelope: %w", err)
	}
	return uri, nil
}
