package policy

import (
	"context"

	"github.com/relaycore/kumogo/internal/mtamsg"
)

// Static is a Hooks implementation backed entirely by static
// configuration, for deployments that don't need the scripting engine's
// dynamic behavior (no external collaborator at all — every hook is a
// constant or a simple lookup table).
type Static struct {
	DefaultQueueConfig QueueConfig
	QueueConfigByName  map[string]QueueConfig
	DefaultEgressPath  EgressPathConfig
	EgressPathBySite   map[string]EgressPathConfig
}

func (s *Static) GetQueueConfig(_ context.Context, queueName string) (QueueConfig, error) {
	if qc, ok := s.QueueConfigByName[queueName]; ok {
		return qc, nil
	}
	return s.DefaultQueueConfig, nil
}

func (s *Static) GetEgressPathConfig(_ context.Context, site, _, _ string) (EgressPathConfig, error) {
	if ep, ok := s.EgressPathBySite[site]; ok {
		return ep, nil
	}
	return s.DefaultEgressPath, nil
}

func (s *Static) RequeueMessage(_ context.Context, _ *mtamsg.Message, _ SMTPResponse, _ bool, _ *float64) (RequeueDecision, error) {
	return RequeueDecision{}, nil
}

func (s *Static) SMTPServerMessageReceived(_ context.Context, _ *mtamsg.Message) error { return nil }

func (s *Static) HTTPMessageGenerated(_ context.Context, _ *mtamsg.Message) error { return nil }

func (s *Static) SMTPClientRewriteDeliveryStatus(_ context.Context, resp SMTPResponse, _, _, _, _ string) (*SMTPResponse, error) {
	return &resp, nil
}
