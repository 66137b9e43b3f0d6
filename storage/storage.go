package storage

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"taskdeck/domain"
)

// Storage persists tasks in an Azure table partitioned by user and publishes
// execution results to an Azure queue.
type Storage struct {
	taskTable      *aztables.Client
	executionQueue queueClient
}

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// New creates a Storage instance from the given connection string. An empty
// executionQueue disables the execution log.
func New(connStr, tasksTable, executionQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	s := &Storage{taskTable: svc.NewClient(tasksTable)}
	if executionQueue == "" {
		return s, nil
	}

	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 30,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, executionQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	s.executionQueue = q
	return s, nil
}

type taskEntity struct {
	aztables.Entity
	Name        string    `json:"Name"`
	Command     string    `json:"Command"`
	Description string    `json:"Description"`
	CreatedAt   time.Time `json:"CreatedAt"`
	UpdatedAt   time.Time `json:"UpdatedAt"`
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	return domain.Task{
		ID:          ent.RowKey,
		Name:        ent.Name,
		Command:     ent.Command,
		Description: ent.Description,
		CreatedAt:   ent.CreatedAt,
		UpdatedAt:   ent.UpdatedAt,
	}, nil
}

func encodeTaskEntity(userID string, task domain.Task) ([]byte, error) {
	return sonic.Marshal(taskEntity{
		Entity:      aztables.Entity{PartitionKey: userID, RowKey: task.ID},
		Name:        task.Name,
		Command:     task.Command,
		Description: task.Description,
		CreatedAt:   task.CreatedAt,
		UpdatedAt:   task.UpdatedAt,
	})
}

// ExecutionRecord is the message published for every execution.
type ExecutionRecord struct {
	UserID string                 `json:"userId"`
	TaskID string                 `json:"taskId"`
	Result domain.ExecutionResult `json:"result"`
}

// ListTasks retrieves all tasks for the provided user, newest first.
func (s *Storage) ListTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + escapeODataString(userID) + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			task, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, task)
		}
	}
	sortNewestFirst(tasks)
	return tasks, nil
}

func (s *Storage) GetTask(ctx context.Context, userID, id string) (domain.Task, error) {
	resp, err := s.taskTable.GetEntity(ctx, userID, id, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.Task{}, domain.ErrTaskNotFound
		}
		return domain.Task{}, err
	}
	return decodeTaskEntity(resp.Value)
}

func (s *Storage) InsertTask(ctx context.Context, userID string, task domain.Task) error {
	data, err := encodeTaskEntity(userID, task)
	if err != nil {
		return err
	}
	_, err = s.taskTable.AddEntity(ctx, data, nil)
	return err
}

// DeleteTask removes the task. Missing tasks are ignored.
func (s *Storage) DeleteTask(ctx context.Context, userID, id string) error {
	if _, err := s.taskTable.DeleteEntity(ctx, userID, id, nil); err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// RecordExecution sends the execution result to the execution queue.
func (s *Storage) RecordExecution(ctx context.Context, userID, taskID string, res domain.ExecutionResult) error {
	if s.executionQueue == nil {
		return nil
	}
	data, err := sonic.Marshal(ExecutionRecord{UserID: userID, TaskID: taskID, Result: res})
	if err != nil {
		return err
	}
	_, err = s.executionQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}

// Ping reads at most one entity to verify the table is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	top := int32(1)
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Top: &top})
	if !pager.More() {
		return nil
	}
	_, err := pager.NextPage(ctx)
	return err
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func escapeODataString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func sortNewestFirst(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID > tasks[j].ID
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}
