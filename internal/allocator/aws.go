package allocator

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"go.uber.org/zap"
)

// taskIDLength is the length of the trailing segment of an ECS task ARN.
// Anything else means the response is not a task ARN we understand.
const taskIDLength = 32

// ecsAPI is the subset of the ECS client used by the allocator.
// Narrowed to an interface so tests can substitute a fake.
type ecsAPI interface {
	RunTask(ctx context.Context, in *ecs.RunTaskInput, opts ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
	StopTask(ctx context.Context, in *ecs.StopTaskInput, opts ...func(*ecs.Options)) (*ecs.StopTaskOutput, error)
	DescribeTasks(ctx context.Context, in *ecs.DescribeTasksInput, opts ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error)
}

// AWSConfig holds the cluster parameters for the ECS allocator.
type AWSConfig struct {
	TaskDefinition   string
	Cluster          string
	Subnets          []string
	SecurityGroups   []string
	CapacityProvider string
	BucketName       string
	BucketMountPath  string
	ContainerName    string

	// HealthPort is the backend port probed to decide readiness.
	HealthPort int
}

// AWSAllocator launches one ECS task per job. The task ID (last segment of
// the task ARN) doubles as the job ID. Readiness is decided by probing the
// backend's /healthz over the task's private IP.
type AWSAllocator struct {
	cfg    AWSConfig
	ecs    ecsAPI
	client *http.Client
	logger *zap.Logger
}

// NewAWSAllocator builds the allocator using the default AWS credential
// chain. The HTTP client is the process-wide shared outbound session, used
// only for health probes.
func NewAWSAllocator(ctx context.Context, cfg AWSConfig, client *http.Client, logger *zap.Logger) (*AWSAllocator, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocator: loading AWS config: %w", err)
	}
	return newAWSAllocator(cfg, ecs.NewFromConfig(awsCfg), client, logger), nil
}

func newAWSAllocator(cfg AWSConfig, api ecsAPI, client *http.Client, logger *zap.Logger) *AWSAllocator {
	return &AWSAllocator{
		cfg:    cfg,
		ecs:    api,
		client: client,
		logger: logger.Named("aws_allocator"),
	}
}

// CreateJob starts a task for the project named in the payload. The task
// mounts the project's S3 prefix through two environment overrides consumed
// by the container entrypoint.
func (a *AWSAllocator) CreateJob(ctx context.Context, _ string, payload map[string]any) (string, error) {
	project, ok := payload["project"].(string)
	if !ok || project == "" {
		return "", fmt.Errorf("no project provided in request body: %w", ErrBadPayload)
	}

	bucketPath := fmt.Sprintf("%s:/%s", a.cfg.BucketName, project)
	mountPoint := fmt.Sprintf("%s/%s", a.cfg.BucketMountPath, project)

	a.logger.Info("starting ECS task",
		zap.String("project", project),
		zap.String("bucket_path", bucketPath),
		zap.String("mount_point", mountPoint),
	)

	out, err := a.ecs.RunTask(ctx, &ecs.RunTaskInput{
		Cluster:              aws.String(a.cfg.Cluster),
		TaskDefinition:       aws.String(a.cfg.TaskDefinition),
		EnableExecuteCommand: true,
		NetworkConfiguration: &types.NetworkConfiguration{
			AwsvpcConfiguration: &types.AwsVpcConfiguration{
				AssignPublicIp: types.AssignPublicIpDisabled,
				SecurityGroups: a.cfg.SecurityGroups,
				Subnets:        a.cfg.Subnets,
			},
		},
		CapacityProviderStrategy: []types.CapacityProviderStrategyItem{
			{
				CapacityProvider: aws.String(a.cfg.CapacityProvider),
				Weight:           1,
				Base:             0,
			},
		},
		Overrides: &types.TaskOverride{
			ContainerOverrides: []types.ContainerOverride{
				{
					Name: aws.String(a.cfg.ContainerName),
					Environment: []types.KeyValuePair{
						{Name: aws.String("S3_BUCKET_PATH"), Value: aws.String(bucketPath)},
						{Name: aws.String("FUSE_MOUNT_POINT"), Value: aws.String(mountPoint)},
					},
				},
			},
		},
	})
	if err != nil {
		a.logger.Error("RunTask failed", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrAllocation, err)
	}

	taskID, err := taskIDFromOutput(out)
	if err != nil {
		a.logger.Error("invalid RunTask response", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrAllocation, err)
	}

	a.logger.Info("ECS task started", zap.String("task_id", taskID))
	return taskID, nil
}

// DestroyJob stops the task. A rejected stop is reported as an invalid job
// ID — the task is unknown or already gone.
func (a *AWSAllocator) DestroyJob(ctx context.Context, jobID string) error {
	_, err := a.ecs.StopTask(ctx, &ecs.StopTaskInput{
		Cluster: aws.String(a.cfg.Cluster),
		Task:    aws.String(jobID),
	})
	if err != nil {
		a.logger.Warn("StopTask failed, assuming invalid job id",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		return fmt.Errorf("%w %s: %v", ErrInvalidJob, jobID, err)
	}
	return nil
}

// JobDetails describes the task and probes its backend. A task without a
// private IP or with an unresponsive backend is simply not ready — that is
// a normal state during startup, not an error.
func (a *AWSAllocator) JobDetails(ctx context.Context, _ string, jobID string) (Details, error) {
	out, err := a.ecs.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(a.cfg.Cluster),
		Tasks:   []string{jobID},
	})
	if err != nil {
		a.logger.Warn("DescribeTasks failed, assuming invalid job id",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		return Details{}, fmt.Errorf("%w %s: %v", ErrInvalidJob, jobID, err)
	}

	ip := privateIPFromOutput(out)
	if ip == "" {
		a.logger.Debug("task has no private IP yet", zap.String("job_id", jobID))
		return Details{}, nil
	}

	if !a.backendResponds(ctx, ip) {
		return Details{}, nil
	}

	return Details{Host: ip}, nil
}

func (a *AWSAllocator) Close() error { return nil }

// backendResponds probes the backend's health endpoint on the task IP.
func (a *AWSAllocator) backendResponds(ctx context.Context, ip string) bool {
	url := fmt.Sprintf("http://%s:%d/healthz", ip, a.cfg.HealthPort)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Debug("backend health probe failed", zap.String("ip", ip), zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// taskIDFromOutput extracts and validates the task ID from a RunTask
// response. The ID is the trailing ARN segment and must be exactly 32
// characters.
func taskIDFromOutput(out *ecs.RunTaskOutput) (string, error) {
	if len(out.Tasks) == 0 || out.Tasks[0].TaskArn == nil {
		return "", fmt.Errorf("RunTask response contains no task ARN")
	}

	arn := *out.Tasks[0].TaskArn
	taskID := arn
	if idx := strings.LastIndexByte(arn, '/'); idx >= 0 {
		taskID = arn[idx+1:]
	}

	if len(taskID) != taskIDLength {
		return "", fmt.Errorf("task ID %q is not %d characters", taskID, taskIDLength)
	}
	return taskID, nil
}

// privateIPFromOutput digs the first container's private IPv4 address out of
// a DescribeTasks response. Empty means the network interface is not
// attached yet.
func privateIPFromOutput(out *ecs.DescribeTasksOutput) string {
	if len(out.Tasks) == 0 {
		return ""
	}
	task := out.Tasks[0]
	if len(task.Containers) == 0 {
		return ""
	}
	container := task.Containers[0]
	if len(container.NetworkInterfaces) == 0 || container.NetworkInterfaces[0].PrivateIpv4Address == nil {
		return ""
	}
	return *container.NetworkInterfaces[0].PrivateIpv4Address
}
