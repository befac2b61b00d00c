package execbackend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veriflow-labs/veriflow-go/internal/envelope"
	"github.com/veriflow-labs/veriflow-go/internal/platform/k8s"
	"github.com/veriflow-labs/veriflow-go/internal/storage"
)

// ManagedBackend creates one batch/v1 Job per execution and returns
// immediately; the validator reports back through the callback endpoint.
type ManagedBackend struct {
	client         *k8s.Client
	namespace      string
	store          storage.Store
	bucket         string
	registry       *ImageRegistry
	serviceAccount string
	log            *slog.Logger
}

type ManagedConfig struct {
	Namespace      string
	Bucket         string
	ServiceAccount string
}

func NewManagedBackend(client *k8s.Client, cfg ManagedConfig, store storage.Store, registry *ImageRegistry, log *slog.Logger) (*ManagedBackend, error) {
	if client == nil {
		return nil, errors.New("kubernetes client is required")
	}
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("envelope bucket is required")
	}
	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" {
		namespace = client.Namespace()
	}
	if log == nil {
		log = slog.Default()
	}
	return &ManagedBackend{
		client:         client,
		namespace:      namespace,
		store:          store,
		bucket:         cfg.Bucket,
		registry:       registry,
		serviceAccount: strings.TrimSpace(cfg.ServiceAccount),
		log:            log,
	}, nil
}

func (b *ManagedBackend) Name() string  { return "managed-k8s" }
func (b *ManagedBackend) IsAsync() bool { return true }

func (b *ManagedBackend) ContainerImage(validatorType string) (string, error) {
	return b.registry.Image(validatorType)
}

func (b *ManagedBackend) Execute(ctx context.Context, req Request) (Response, error) {
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
	if strings.TrimSpace(req.CallbackURL) == "" {
		return Response{}, errors.New("callback url is required for async execution")
	}

	executionID := managedExecutionID(req.RunID, req.StepID)
	payload, err := envelope.MarshalInput(envelope.Input{
		RunID:      req.RunID,
		StepID:     req.StepID,
		OrgID:      req.OrgID,
		WorkflowID: req.WorkflowID,
		Validator: envelope.ValidatorDescriptor{
			Type:    req.ValidatorType,
			Image:   image,
			Timeout: req.Timeout.String(),
			Inputs:  req.Inputs,
		},
		InputFiles:  req.InputFiles,
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		return Response{}, fmt.Errorf("build input envelope: %w", err)
	}
	inputURI, err := b.store.Write(ctx, envelopePath(b.bucket, req.RunID, req.StepID, "input.json"), payload, "application/json")
	if err != nil {
		return Response{}, fmt.Errorf("write input envelope: %w", err)
	}

	job := b.buildJob(req, image, executionID, inputURI)
	if err := b.client.CreateJob(ctx, b.namespace, job); err != nil {
		if errors.Is(err, k8s.ErrAlreadyExists) {
			// A retried dispatch for the same step lands on the same job name,
			// and because the execution id is derived from (run, step) it
			// matches the id the running job will report in its callback.
			b.log.Warn("validator job already exists", "run_id", req.RunID, "step_id", req.StepID, "job", job.Metadata.Name)
			return Response{ExecutionID: executionID, Completed: false}, nil
		}
		return Response{}, fmt.Errorf("%w: create job: %v", ErrBackendUnavailable, err)
	}
	return Response{ExecutionID: executionID, Completed: false}, nil
}

// managedExecutionID derives a stable execution id from the run and step so
// dispatch retries address the job created by the first attempt instead of
// minting an orphaned identity.
func managedExecutionID(runID, stepID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("veriflow://executions/"+runID+"/"+stepID)).String()
}

func (b *ManagedBackend) Cancel(ctx context.Context, executionID string) error {
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return nil
	}
	if err := b.client.DeleteJob(ctx, b.namespace, jobName(executionID)); err != nil {
		if errors.Is(err, k8s.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func (b *ManagedBackend) buildJob(req Request, image, executionID, inputURI string) k8s.Job {
	backoffLimit := int32(0)
	ttl := int32(3600)
	activeDeadline := req.Timeout
	if activeDeadline <= 0 {
		activeDeadline = defaultExecTimeout
	}
	// The cluster kills the pod at the step timeout, so a validator that
	// hangs cannot outlive the reclaim deadline of its run.
	deadlineSeconds := int64(activeDeadline.Round(time.Second) / time.Second)
	return k8s.Job{
		APIVersion: "batch/v1",
		Kind:       "Job",
		Metadata: k8s.ObjectMeta{
			Name:      jobName(executionID),
			Namespace: b.namespace,
			Labels: map[string]string{
				"app.kubernetes.io/managed-by": "veriflow",
				"veriflow.io/run-id":           req.RunID,
				"veriflow.io/step-id":          req.StepID,
			},
		},
		Spec: k8s.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttl,
			ActiveDeadlineSeconds:   &deadlineSeconds,
			Template: k8s.PodTemplateSpec{
				Spec: k8s.PodSpec{
					RestartPolicy:      "Never",
					ServiceAccountName: b.serviceAccount,
					Containers: []k8s.Container{{
						Name:  "validator",
						Image: image,
						Env: []k8s.EnvVar{
							{Name: "VERIFLOW_INPUT_ENVELOPE_URI", Value: inputURI},
							{Name: "VERIFLOW_EXECUTION_ID", Value: executionID},
							{Name: "VERIFLOW_CALLBACK_URL", Value: req.CallbackURL},
							{Name: "VERIFLOW_TIMEOUT", Value: activeDeadline.Round(time.Second).String()},
						},
					}},
				},
			},
		},
	}
}

func jobName(executionID string) string {
	return "veriflow-val-" + executionID
}
