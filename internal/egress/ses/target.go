// Package ses implements an alternative egress path (§6 "wire to
// downstream SMTP") that hands a Message directly to AWS SES v2's
// SendEmail API instead of dialing a destination MX, for egress paths
// configured to route through SES rather than RFC 5321. It is
// constructed the same way the teacher's VDM-metrics client
// (internal/ses.NewClient) builds its sesv2 client — static credentials
// wrapped by config.LoadDefaultConfig — but drives SendEmail instead of
// BatchGetMetricData.
package ses

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/relaycore/kumogo/internal/logging"
	"github.com/relaycore/kumogo/internal/metrics"
	"github.com/relaycore/kumogo/internal/mtamsg"
	"github.com/relaycore/kumogo/internal/policy"
	"github.com/relaycore/kumogo/internal/spool"
)

// API is the subset of *sesv2.Client the Target calls; satisfied by the
// real client and by test fakes.
type API interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, opts ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Requeuer hands a message that failed transiently back to the requeue
// coordinator (C9); same shape as internal/dispatcher.Requeuer.
type Requeuer interface {
	Requeue(ctx context.Context, msg *mtamsg.Message, resp policy.SMTPResponse) error
}

// Config names the SES configuration set (region + static credentials)
// used to construct the underlying client.
type Config struct {
	Region    string
	AccessKey string
	SecretKey string
}

// Target delivers messages via AWS SES v2 SendEmail, implementing the
// same (ctx, peer, msg) error shape as readyqueue.DispatchFunc so it can
// be registered as a ready-queue worker's dispatch function in place of
// internal/dispatcher.Dispatcher. peer is ignored: SES resolves its own
// delivery path.
type Target struct {
	client    API
	sp        spool.Spool
	requeuer  Requeuer
	recordLog *logging.RecordLogger
	delivered *metrics.Counter
}

// NewClient constructs the underlying AWS sesv2 client the same way the
// teacher's metrics client does.
func NewClient(ctx context.Context, cfg Config) (*sesv2.Client, error) {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("ses: loading AWS config: %w", err)
	}
	return sesv2.NewFromConfig(awsCfg), nil
}

// NewTarget constructs a Target around an already-built client (or a test
// fake). delivered, if non-nil, is incremented once per successful send.
func NewTarget(client API, sp spool.Spool, requeuer Requeuer, recordLog *logging.RecordLogger, delivered *metrics.Counter) *Target {
	return &Target{client: client, sp: sp, requeuer: requeuer, recordLog: recordLog, delivered: delivered}
}

// Deliver sends msg's full RFC-822 body as a SES raw message. peer is
// unused; it exists only to satisfy readyqueue.DispatchFunc.
func (t *Target) Deliver(ctx context.Context, _ string, msg *mtamsg.Message) error {
	if err := msg.LoadData(ctx, t.sp); err != nil {
		return fmt.Errorf("ses: load data: %w", err)
	}

	sender := msg.Sender().String()
	recipient := msg.Recipient().String()
	body := msg.Body()

	_, err := t.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination:      &types.Destination{ToAddresses: []string{recipient}},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: body},
		},
	})
	if err == nil {
		return t.finish(ctx, msg, policy.SMTPResponse{Code: 250, Message: "ok"})
	}

	resp := classifyError(err)
	if resp.Code < 500 {
		if t.requeuer != nil {
			if rqErr := t.requeuer.Requeue(ctx, msg, resp); rqErr != nil {
				return fmt.Errorf("ses: requeue after transient failure: %w", rqErr)
			}
		}
		return fmt.Errorf("ses: transient send failure: %w", err)
	}
	return t.finish(ctx, msg, resp)
}

func (t *Target) finish(ctx context.Context, msg *mtamsg.Message, resp policy.SMTPResponse) error {
	kind := logging.Delivery
	if resp.Code >= 500 {
		kind = logging.Bounce
	}
	if t.recordLog != nil {
		_ = t.recordLog.Log(logging.Record{
			Kind:      kind,
			SpoolID:   msg.ID().String(),
			Sender:    msg.Sender().String(),
			Recipient: msg.Recipient().String(),
			Code:      resp.Code,
			Response:  resp.Message,
		})
	}
	if kind == logging.Delivery && t.delivered != nil {
		t.delivered.Inc()
	}
	if resp.Code >= 500 || resp.Code < 300 {
		return t.sp.Remove(ctx, msg.ID())
	}
	return nil
}

// classifyError maps SES v2 exception types to the SMTP-shaped response
// the rest of the core already knows how to classify: throttling and
// limit exhaustion are transient (4xx), everything else SES rejects
// outright is permanent (5xx).
func classifyError(err error) policy.SMTPResponse {
	var throttling *types.TooManyRequestsException
	if errors.As(err, &throttling) {
		return policy.SMTPResponse{Code: 450, Enhanced: "4.7.0", Message: err.Error()}
	}
	var limitExceeded *types.LimitExceededException
	if errors.As(err, &limitExceeded) {
		return policy.SMTPResponse{Code: 452, Enhanced: "4.5.3", Message: err.Error()}
	}
	var paused *types.SendingPausedException
	if errors.As(err, &paused) {
		return policy.SMTPResponse{Code: 450, Enhanced: "4.3.0", Message: err.Error()}
	}
	var rejected *types.MessageRejected
	if errors.As(err, &rejected) {
		return policy.SMTPResponse{Code: 554, Enhanced: "5.7.1", Message: err.Error()}
	}
	var notVerified *types.MailFromDomainNotVerifiedException
	if errors.As(err, &notVerified) {
		return policy.SMTPResponse{Code: 550, Enhanced: "5.7.1", Message: err.Error()}
	}
	return policy.SMTPResponse{Code: 554, Enhanced: "5.3.0", Message: err.Error()}
}
