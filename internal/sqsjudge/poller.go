// Package sqsjudge long-polls an SQS queue for execution requests and sends
// replies to a response queue.
package sqsjudge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/itstheanurag/judgebox/internal/queue"
	"github.com/rs/zerolog"
)

const (
	maxMessages  = 5
	receiveRetry = time.Second
)

// API is the subset of the SQS client the poller uses.
type API interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type Config struct {
	Region           string
	RequestQueueURL  string
	ResponseQueueURL string
	WaitSeconds      int32
	// Timeout bounds a single request, queueing included.
	Timeout time.Duration
}

type Poller struct {
	client API
	cfg    Config
	queue  *queue.Manager
	logger *zerolog.Logger
}

// NewClient builds an SQS client from the default AWS credential chain.
func NewClient(ctx context.Context, region string) (*sqs.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load aws config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

func New(client API, cfg Config, q *queue.Manager, logger *zerolog.Logger) *Poller {
	return &Poller{client: client, cfg: cfg, queue: q, logger: logger}
}

// Run polls until ctx is done. Messages are deleted only after the reply has
// been sent, so a crash mid-execution leads to redelivery.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info().Str("queue", p.cfg.RequestQueueURL).Msg("sqs poller started")
	for {
		if ctx.Err() != nil {
			p.logger.Info().Msg("sqs poller stopping")
			return
		}
		if err := p.poll(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn().Err(err).Msg("failed to receive sqs messages")
			select {
			case <-ctx.Done():
			case <-time.After(receiveRetry):
			}
		}
	}
}

func (p *Poller) poll(ctx context.Context) error {
	out, err := p.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(p.cfg.RequestQueueURL),
		MaxNumberOfMessages: maxMessages,
		WaitTimeSeconds:     p.cfg.WaitSeconds,
	})
	if err != nil {
		return err
	}

	done := make(chan struct{}, len(out.Messages))
	for _, msg := range out.Messages {
		go func() {
			defer func() { done <- struct{}{} }()
			p.handle(ctx, aws.ToString(msg.Body), msg.ReceiptHandle)
		}()
	}
	for range out.Messages {
		<-done
	}
	return nil
}

func (p *Poller) handle(ctx context.Context, body string, receipt *string) {
	runCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	reply := p.queue.Process(runCtx, []byte(body))
	cancel()

	if ctx.Err() != nil {
		// leave the message for redelivery
		return
	}

	payload, err := json.Marshal(reply)
	if err != nil {
		p.logger.Error().Err(err).Str("id", reply.ID).Msg("failed to encode sqs reply")
		return
	}
	if _, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.cfg.ResponseQueueURL),
		MessageBody: aws.String(string(payload)),
	}); err != nil {
		p.logger.Error().Err(err).Str("id", reply.ID).Msg("failed to send sqs reply")
		return
	}

	if _, err := p.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(p.cfg.RequestQueueURL),
		ReceiptHandle: receipt,
	}); err != nil {
		p.logger.Error().Err(err).Str("id", reply.ID).Msg("failed to delete sqs message")
		return
	}
	p.logger.Info().Str("id", reply.ID).Bool("ok", reply.Error == "").Msg("sqs request handled")
}
