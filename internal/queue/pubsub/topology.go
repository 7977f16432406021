package pubsub

import (
	"context"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/JakeFAU/linkscope/internal/queue"
)

// Pub/Sub accepts dead-letter policies between 5 and 100 delivery attempts.
const (
	minDeliveryAttempts = 5
	maxDeliveryAttempts = 100
)

// EnsureTopology creates the exchange and dead-letter topics, the filtered
// work-queue subscription, and a subscription that retains dead letters.
// Existing resources are left untouched.
func EnsureTopology(
	ctx context.Context,
	client *pubsub.Client,
	projectID string,
	topo queue.Topology,
	maxRedeliveries int,
) error {
	exchange := topicName(projectID, topo.Exchange)
	deadLetter := topicName(projectID, topo.DeadLetter)
	for _, name := range []string{exchange, deadLetter} {
		if _, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: name}); ignoreExists(err) != nil {
			return fmt.Errorf("create topic %s: %w", name, err)
		}
	}

	work := &pubsubpb.Subscription{
		Name:               subscriptionName(projectID, topo.Queue),
		Topic:              exchange,
		AckDeadlineSeconds: 60,
		Filter:             bindingFilter(topo.BindingKey),
		DeadLetterPolicy: &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     deadLetter,
			MaxDeliveryAttempts: clampAttempts(maxRedeliveries),
		},
	}
	if _, err := client.SubscriptionAdminClient.CreateSubscription(ctx, work); ignoreExists(err) != nil {
		return fmt.Errorf("create subscription %s: %w", work.Name, err)
	}

	parked := &pubsubpb.Subscription{
		Name:  subscriptionName(projectID, topo.DeadLetter),
		Topic: deadLetter,
	}
	if _, err := client.SubscriptionAdminClient.CreateSubscription(ctx, parked); ignoreExists(err) != nil {
		return fmt.Errorf("create subscription %s: %w", parked.Name, err)
	}
	return nil
}

// bindingFilter renders a server-side filter for exact routing keys.
// Wildcard bindings are matched client-side instead.
func bindingFilter(bindingKey string) string {
	if bindingKey == "" || strings.ContainsAny(bindingKey, "*#") {
		return ""
	}
	return fmt.Sprintf("attributes.%s = %q", queue.AttrRoutingKey, bindingKey)
}

func clampAttempts(n int) int32 {
	if n < minDeliveryAttempts {
		return minDeliveryAttempts
	}
	if n > maxDeliveryAttempts {
		return maxDeliveryAttempts
	}
	return int32(n)
}

func ignoreExists(err error) error {
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	return err
}
