package sqsjudge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/itstheanurag/judgebox/internal/executor"
	"github.com/itstheanurag/judgebox/internal/queue"
	"github.com/itstheanurag/judgebox/internal/report"
	"github.com/itstheanurag/judgebox/internal/worker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	mu       sync.Mutex
	messages []types.Message
	sent     []string
	deleted  []string
	sendErr  error
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages
	f.messages = nil
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

type okRunner struct{}

func (okRunner) Execute(_ context.Context, sub executor.Submission) (report.AggregateResult, error) {
	return report.Aggregate([]report.ExecutionMetrics{{Language: sub.Language, Status: report.StatusCompleted}}), nil
}

func newPoller(t *testing.T, client API) *Poller {
	t.Helper()
	logger := zerolog.Nop()
	q := queue.NewManager(4)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go worker.NewWorker(0, okRunner{}, q, &logger).Start(ctx)

	return New(client, Config{
		RequestQueueURL:  "https://sqs.example/req",
		ResponseQueueURL: "https://sqs.example/res",
		Timeout:          time.Second,
	}, q, &logger)
}

func TestPollSendsReplyThenDeletes(t *testing.T) {
	fake := &fakeSQS{messages: []types.Message{
		{Body: aws.String(`{"id":"s1","language":"cpp","source_code":"int main(){}"}`), ReceiptHandle: aws.String("rh-1")},
	}}
	p := newPoller(t, fake)

	require.NoError(t, p.poll(context.Background()))

	require.Len(t, fake.sent, 1)
	var reply queue.Reply
	require.NoError(t, json.Unmarshal([]byte(fake.sent[0]), &reply))
	assert.Equal(t, "s1", reply.ID)
	require.NotNil(t, reply.Result)
	assert.Equal(t, []string{"rh-1"}, fake.deleted)
}

func TestPollKeepsMessageWhenReplyFails(t *testing.T) {
	fake := &fakeSQS{
		messages: []types.Message{{Body: aws.String(`{"language":"cpp","source_code":"x"}`), ReceiptHandle: aws.String("rh-2")}},
		sendErr:  errors.New("throttled"),
	}
	p := newPoller(t, fake)

	require.NoError(t, p.poll(context.Background()))
	assert.Empty(t, fake.deleted)
}
