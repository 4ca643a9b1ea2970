// Package preflight checks, before a statement is submitted, that the
// warehouse's credential role may touch the storage location.
package preflight

import (
	"context"
	"fmt"
	"sort"
	"strings"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/gurre/rs-transfer/aws"
	"github.com/gurre/rs-transfer/storage"
	"github.com/gurre/rs-transfer/tracker"
	log "github.com/sirupsen/logrus"
)

// Check describes what a transfer will do with its storage location.
type Check struct {
	Direction      tracker.Direction
	StoragePath    string
	CredentialRole string
	// ClearPrefix adds s3:DeleteObject for exports that empty the prefix first.
	ClearPrefix bool
}

// Denial is one action the role may not perform.
type Denial struct {
	Action   string
	Resource string
	Decision string
}

// DeniedError lists every denied action.
type DeniedError struct {
	Role    string
	Denials []Denial
}

func (e *DeniedError) Error() string {
	parts := make([]string, 0, len(e.Denials))
	for _, d := range e.Denials {
		parts = append(parts, fmt.Sprintf("%s on %s (%s)", d.Action, d.Resource, d.Decision))
	}
	return fmt.Sprintf("role %s is not permitted: %s", e.Role, strings.Join(parts, "; "))
}

// Checker simulates the role's policies through IAM.
type Checker struct {
	client aws.IAMClient
}

// NewChecker creates a new Checker.
func NewChecker(client aws.IAMClient) *Checker {
	return &Checker{client: client}
}

// Actions returns the object and bucket actions the transfer needs.
func (c Check) Actions() (objectActions, bucketActions []string) {
	switch c.Direction {
	case tracker.Export:
		objectActions = []string{"s3:PutObject"}
		if c.ClearPrefix {
			objectActions = append(objectActions, "s3:DeleteObject")
		}
	case tracker.Import:
		objectActions = []string{"s3:GetObject"}
	}
	return objectActions, []string{"s3:ListBucket"}
}

// Run simulates every required action and returns a *DeniedError when any
// is not allowed.
func (ch *Checker) Run(ctx context.Context, c Check) error {
	role := effectiveRole(c.CredentialRole)
	if role == "" {
		return fmt.Errorf("no credential role to check")
	}
	bucket, prefix, err := storage.ParseURI(c.StoragePath)
	if err != nil {
		return err
	}

	partition := partitionOf(role)
	bucketARN := fmt.Sprintf("arn:%s:s3:::%s", partition, bucket)
	objectARN := fmt.Sprintf("%s/%s*", bucketARN, prefix)

	objectActions, bucketActions := c.Actions()

	var denials []Denial
	for _, sim := range []struct {
		actions  []string
		resource string
	}{
		{objectActions, objectARN},
		{bucketActions, bucketARN},
	} {
		if len(sim.actions) == 0 {
			continue
		}
		d, err := ch.simulate(ctx, role, sim.actions, sim.resource)
		if err != nil {
			return err
		}
		denials = append(denials, d...)
	}

	if len(denials) > 0 {
		sort.Slice(denials, func(i, j int) bool { return denials[i].Action < denials[j].Action })
		return &DeniedError{Role: role, Denials: denials}
	}

	log.WithFields(log.Fields{"role": role, "storage_path": c.StoragePath}).Debug("preflight permissions allowed")
	return nil
}

func (ch *Checker) simulate(ctx context.Context, role string, actions []string, resource string) ([]Denial, error) {
	var denials []Denial
	p := iam.NewSimulatePrincipalPolicyPaginator(ch.client, &iam.SimulatePrincipalPolicyInput{
		PolicySourceArn: sdkaws.String(role),
		ActionNames:     actions,
		ResourceArns:    []string{resource},
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to simulate policy for %s: %w", role, err)
		}
		for _, r := range page.EvaluationResults {
			if r.EvalDecision == types.PolicyEvaluationDecisionTypeAllowed {
				continue
			}
			res := sdkaws.ToString(r.EvalResourceName)
			if res == "" {
				res = resource
			}
			denials = append(denials, Denial{
				Action:   sdkaws.ToString(r.EvalActionName),
				Resource: res,
				Decision: string(r.EvalDecision),
			})
		}
	}
	return denials, nil
}

// effectiveRole returns the role that reaches storage. Chained roles are
// given comma separated and the last one accesses the bucket.
func effectiveRole(credential string) string {
	parts := strings.Split(credential, ",")
	return strings.TrimSpace(parts[len(parts)-1])
}

func partitionOf(arn string) string {
	parts := strings.SplitN(arn, ":", 3)
	if len(parts) < 3 || parts[0] != "arn" || parts[1] == "" {
		return "aws"
	}
	return parts[1]
}
