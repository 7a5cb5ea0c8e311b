package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/wikiflow/internal/retry"
)

// TopicSpec describes a topic to create. -1 for Partitions or
// ReplicationFactor uses the broker default.
type TopicSpec struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
}

// topicCreator abstracts the kadm client for testing.
type topicCreator interface {
	CreateTopics(ctx context.Context, partitions int32, replicationFactor int16, configs map[string]*string, topics ...string) (kadm.CreateTopicResponses, error)
}

// EnsureTopic creates the topic if it does not already exist. Configuration
// and authorization failures are marked retry.Permanent.
func EnsureTopic(ctx context.Context, cluster *ClusterConfig, spec TopicSpec, logger *slog.Logger) error {
	opts, err := ClientOptions(cluster)
	if err != nil {
		return retry.Permanent(fmt.Errorf("cluster options: %w", err))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return retry.Permanent(fmt.Errorf("kafka admin client: %w", err))
	}
	defer client.Close()

	return ensureTopic(ctx, kadm.NewClient(client), spec, logger)
}

func ensureTopic(ctx context.Context, admin topicCreator, spec TopicSpec, logger *slog.Logger) error {
	if spec.Name == "" {
		return retry.Permanent(fmt.Errorf("topic name is required"))
	}
	if logger == nil {
		logger = slog.Default()
	}

	resps, err := admin.CreateTopics(ctx, spec.Partitions, spec.ReplicationFactor, nil, spec.Name)
	if err != nil {
		return classifyTopicError(fmt.Errorf("create topic %s: %w", spec.Name, err))
	}

	resp, ok := resps[spec.Name]
	if !ok {
		return fmt.Errorf("create topic %s: no response from broker", spec.Name)
	}

	switch {
	case resp.Err == nil:
		logger.Info("topic created", "topic", spec.Name, "partitions", resp.NumPartitions, "replication_factor", resp.ReplicationFactor)
	case errors.Is(resp.Err, kerr.TopicAlreadyExists):
		logger.Debug("topic already exists", "topic", spec.Name)
	default:
		return classifyTopicError(fmt.Errorf("create topic %s: %w", spec.Name, resp.Err))
	}
	return nil
}

// Errors that no amount of waiting for the cluster will fix.
var permanentTopicErrors = []error{
	kerr.SaslAuthenticationFailed,
	kerr.TopicAuthorizationFailed,
	kerr.ClusterAuthorizationFailed,
	kerr.InvalidTopicException,
	kerr.InvalidPartitions,
	kerr.PolicyViolation,
}

func classifyTopicError(err error) error {
	for _, perm := range permanentTopicErrors {
		if errors.Is(err, perm) {
			return retry.Permanent(err)
		}
	}
	return err
}
