package dnssync

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/route53"

	"devplane/pkg/logging"
)

// RecordKind is the DNS record type used for a managed hostname. Targets
// with a recognized cloud load-balancer suffix get an alias (CNAME) record;
// raw network addresses get an address (A) record.
type RecordKind string

const (
	RecordKindAlias   RecordKind = "CNAME"
	RecordKindAddress RecordKind = "A"
)

// loadBalancerSuffix marks provider-assigned load-balancer hostnames.
const loadBalancerSuffix = ".elb.amazonaws.com"

// ClassifyTarget chooses the record kind by inspecting the target's suffix.
func ClassifyTarget(target string) RecordKind {
	if strings.HasSuffix(target, loadBalancerSuffix) {
		return RecordKindAlias
	}
	return RecordKindAddress
}

// ChangeClient submits idempotent record changes to the external DNS
// provider. Changes are asynchronous on the provider side: it accepts the
// batch and propagates later.
type ChangeClient interface {
	Upsert(ctx context.Context, hostname string, kind RecordKind, target string) error
	Delete(ctx context.Context, hostname string, kind RecordKind, target string) error
}

// route53Client issues change batches against a named Route53 hosted zone.
type route53Client struct {
	svc    *route53.Route53
	zoneID string
	ttl    int64
}

// NewRoute53Client creates a ChangeClient for the given hosted zone.
// Every record change carries the fixed TTL.
func NewRoute53Client(sess *session.Session, zoneID string, ttl int64) ChangeClient {
	return &route53Client{
		svc:    route53.New(sess),
		zoneID: zoneID,
		ttl:    ttl,
	}
}

func (c *route53Client) Upsert(ctx context.Context, hostname string, kind RecordKind, target string) error {
	return c.change(ctx, route53.ChangeActionUpsert, hostname, kind, target)
}

func (c *route53Client) Delete(ctx context.Context, hostname string, kind RecordKind, target string) error {
	return c.change(ctx, route53.ChangeActionDelete, hostname, kind, target)
}

func (c *route53Client) change(ctx context.Context, action, hostname string, kind RecordKind, target string) error {
	input := &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(c.zoneID),
		ChangeBatch: &route53.ChangeBatch{
			Comment: aws.String(fmt.Sprintf("devplane %s for %s", strings.ToLower(action), hostname)),
			Changes: []*route53.Change{
				{
					Action: aws.String(action),
					ResourceRecordSet: &route53.ResourceRecordSet{
						Name: aws.String(hostname),
						Type: aws.String(string(kind)),
						TTL:  aws.Int64(c.ttl),
						ResourceRecords: []*route53.ResourceRecord{
							{Value: aws.String(target)},
						},
					},
				},
			},
		},
	}

	out, err := c.svc.ChangeResourceRecordSetsWithContext(ctx, input)
	if err != nil {
		return fmt.Errorf("route53 %s for %s: %w", strings.ToLower(action), hostname, err)
	}

	logging.Info("DNSSync", "Route53 change submitted: %s (%s %s -> %s)",
		aws.StringValue(out.ChangeInfo.Id), action, hostname, target)
	return nil
}
