package allocator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeECS implements ecsAPI with overridable behaviors.
type fakeECS struct {
	runTask       func(*ecs.RunTaskInput) (*ecs.RunTaskOutput, error)
	stopTask      func(*ecs.StopTaskInput) (*ecs.StopTaskOutput, error)
	describeTasks func(*ecs.DescribeTasksInput) (*ecs.DescribeTasksOutput, error)
}

func (f *fakeECS) RunTask(_ context.Context, in *ecs.RunTaskInput, _ ...func(*ecs.Options)) (*ecs.RunTaskOutput, error) {
	return f.runTask(in)
}

func (f *fakeECS) StopTask(_ context.Context, in *ecs.StopTaskInput, _ ...func(*ecs.Options)) (*ecs.StopTaskOutput, error) {
	return f.stopTask(in)
}

func (f *fakeECS) DescribeTasks(_ context.Context, in *ecs.DescribeTasksInput, _ ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error) {
	return f.describeTasks(in)
}

const testTaskID = "0123456789abcdef0123456789abcdef"

func testAWSConfig() AWSConfig {
	return AWSConfig{
		TaskDefinition:   "viz-task",
		Cluster:          "viz-cluster",
		Subnets:          []string{"subnet-1"},
		SecurityGroups:   []string{"sg-1"},
		CapacityProvider: "spot",
		BucketName:       "viz-bucket",
		BucketMountPath:  "/mnt/data",
		ContainerName:    "viz_brayns",
	}
}

func TestAWSCreateJob(t *testing.T) {
	fake := &fakeECS{
		runTask: func(in *ecs.RunTaskInput) (*ecs.RunTaskOutput, error) {
			assert.Equal(t, "viz-cluster", *in.Cluster)
			assert.Equal(t, "viz-task", *in.TaskDefinition)

			env := in.Overrides.ContainerOverrides[0].Environment
			require.Len(t, env, 2)
			assert.Equal(t, "viz-bucket:/proj1", *env[0].Value)
			assert.Equal(t, "/mnt/data/proj1", *env[1].Value)

			return &ecs.RunTaskOutput{Tasks: []types.Task{
				{TaskArn: aws.String("arn:aws:ecs:region:account:task/viz-cluster/" + testTaskID)},
			}}, nil
		},
	}
	a := newAWSAllocator(testAWSConfig(), fake, http.DefaultClient, zap.NewNop())

	jobID, err := a.CreateJob(context.Background(), "", map[string]any{"project": "proj1"})
	require.NoError(t, err)
	assert.Equal(t, testTaskID, jobID)
}

func TestAWSCreateJobMissingProject(t *testing.T) {
	a := newAWSAllocator(testAWSConfig(), &fakeECS{}, http.DefaultClient, zap.NewNop())

	_, err := a.CreateJob(context.Background(), "", map[string]any{})
	require.ErrorIs(t, err, ErrBadPayload)
}

func TestAWSCreateJobMalformedARN(t *testing.T) {
	fake := &fakeECS{
		runTask: func(*ecs.RunTaskInput) (*ecs.RunTaskOutput, error) {
			return &ecs.RunTaskOutput{Tasks: []types.Task{
				{TaskArn: aws.String("arn:aws:ecs:region:account:task/viz-cluster/short")},
			}}, nil
		},
	}
	a := newAWSAllocator(testAWSConfig(), fake, http.DefaultClient, zap.NewNop())

	_, err := a.CreateJob(context.Background(), "", map[string]any{"project": "proj1"})
	require.ErrorIs(t, err, ErrAllocation)
}

func TestAWSDestroyJobRejected(t *testing.T) {
	fake := &fakeECS{
		stopTask: func(*ecs.StopTaskInput) (*ecs.StopTaskOutput, error) {
			return nil, errors.New("task not found")
		},
	}
	a := newAWSAllocator(testAWSConfig(), fake, http.DefaultClient, zap.NewNop())

	err := a.DestroyJob(context.Background(), testTaskID)
	require.ErrorIs(t, err, ErrInvalidJob)
}

func TestAWSJobDetailsNoIP(t *testing.T) {
	fake := &fakeECS{
		describeTasks: func(*ecs.DescribeTasksInput) (*ecs.DescribeTasksOutput, error) {
			return &ecs.DescribeTasksOutput{Tasks: []types.Task{
				{Containers: []types.Container{{}}},
			}}, nil
		},
	}
	a := newAWSAllocator(testAWSConfig(), fake, http.DefaultClient, zap.NewNop())

	details, err := a.JobDetails(context.Background(), "", testTaskID)
	require.NoError(t, err)
	assert.False(t, details.Ready())
}

func TestAWSJobDetailsReady(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	u, err := url.Parse(healthy.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg := testAWSConfig()
	cfg.HealthPort = port

	fake := &fakeECS{
		describeTasks: func(*ecs.DescribeTasksInput) (*ecs.DescribeTasksOutput, error) {
			return &ecs.DescribeTasksOutput{Tasks: []types.Task{
				{Containers: []types.Container{
					{NetworkInterfaces: []types.NetworkInterface{
						{PrivateIpv4Address: aws.String("127.0.0.1")},
					}},
				}},
			}}, nil
		},
	}
	a := newAWSAllocator(cfg, fake, http.DefaultClient, zap.NewNop())

	details, err := a.JobDetails(context.Background(), "", testTaskID)
	require.NoError(t, err)
	assert.True(t, details.Ready())
	assert.Equal(t, "127.0.0.1", details.Host)
}

func TestAWSJobDetailsDescribeFails(t *testing.T) {
	fake := &fakeECS{
		describeTasks: func(*ecs.DescribeTasksInput) (*ecs.DescribeTasksOutput, error) {
			return nil, errors.New("no such task")
		},
	}
	a := newAWSAllocator(testAWSConfig(), fake, http.DefaultClient, zap.NewNop())

	_, err := a.JobDetails(context.Background(), "", "bogus")
	require.ErrorIs(t, err, ErrInvalidJob)
}

func TestTaskIDFromOutput(t *testing.T) {
	_, err := taskIDFromOutput(&ecs.RunTaskOutput{})
	require.Error(t, err)

	id, err := taskIDFromOutput(&ecs.RunTaskOutput{Tasks: []types.Task{
		{TaskArn: aws.String("arn/" + strings.Repeat("a", 32))},
	}})
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", 32), id)
}
