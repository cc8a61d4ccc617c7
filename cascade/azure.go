package cascade

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
)

// queueClient is the subset of *azqueue.QueueClient used here.
type queueClient interface {
	Create(ctx context.Context, o *azqueue.CreateOptions) (azqueue.CreateResponse, error)
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// Message is one dequeued job message.
type Message struct {
	ID           string
	PopReceipt   string
	Text         string
	DequeueCount int64
}

// AzureQueue stores jobs in an Azure storage queue.
type AzureQueue struct {
	q queueClient
}

// NewAzureQueue connects to the named queue.
func NewAzureQueue(connStr, queue string) (*AzureQueue, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queue, &opts)
	if err != nil {
		return nil, err
	}
	return &AzureQueue{q: q}, nil
}

// EnsureQueue creates the queue unless it already exists.
func (a *AzureQueue) EnsureQueue(ctx context.Context) error {
	_, err := a.q.Create(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
			return err
		}
	}
	return nil
}

func (a *AzureQueue) Enqueue(ctx context.Context, job Job) error {
	data, err := sonic.Marshal(job)
	if err != nil {
		return err
	}
	_, err = a.q.EnqueueMessage(ctx, string(data), nil)
	return err
}

// Dequeue retrieves a single message. It returns nil when the queue is empty.
func (a *AzureQueue) Dequeue(ctx context.Context) (*Message, error) {
	resp, err := a.q.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	m := resp.Messages[0]
	msg := &Message{}
	if m.MessageID != nil {
		msg.ID = *m.MessageID
	}
	if m.PopReceipt != nil {
		msg.PopReceipt = *m.PopReceipt
	}
	if m.MessageText != nil {
		msg.Text = *m.MessageText
	}
	if m.DequeueCount != nil {
		msg.DequeueCount = *m.DequeueCount
	}
	return msg, nil
}

// Delete removes a processed message from the queue.
func (a *AzureQueue) Delete(ctx context.Context, msg *Message) error {
	_, err := a.q.DeleteMessage(ctx, msg.ID, msg.PopReceipt, nil)
	return err
}
