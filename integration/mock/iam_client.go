package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
)

// IAMClient is a mock implementation of aws.IAMClient interface for testing.
// Every action is allowed unless listed in Denied.
type IAMClient struct {
	mu     sync.Mutex
	denied map[string]bool
	// Calls records the action names of every simulation
	Calls [][]string
}

// NewIAMClient creates a new mock IAM client
func NewIAMClient() *IAMClient {
	return &IAMClient{denied: make(map[string]bool)}
}

// Deny makes simulations of action return implicitDeny.
func (m *IAMClient) Deny(action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied[strings.ToLower(action)] = true
}

// SimulatePrincipalPolicy implements the IAMClient interface
func (m *IAMClient) SimulatePrincipalPolicy(ctx context.Context, params *iam.SimulatePrincipalPolicyInput, optFns ...func(*iam.Options)) (*iam.SimulatePrincipalPolicyOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, append([]string(nil), params.ActionNames...))

	out := &iam.SimulatePrincipalPolicyOutput{}
	for _, action := range params.ActionNames {
		for _, resource := range params.ResourceArns {
			decision := types.PolicyEvaluationDecisionTypeAllowed
			if m.denied[strings.ToLower(action)] {
				decision = types.PolicyEvaluationDecisionTypeImplicitDeny
			}
			out.EvaluationResults = append(out.EvaluationResults, types.EvaluationResult{
				EvalActionName:   aws.String(action),
				EvalResourceName: aws.String(resource),
				EvalDecision:     decision,
			})
		}
	}
	return out, nil
}
