package preflight

import (
	"context"
	"errors"
	"testing"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/gurre/rs-transfer/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIAM struct {
	denied map[string]types.PolicyEvaluationDecisionType
	inputs []*iam.SimulatePrincipalPolicyInput
	err    error
}

func (f *fakeIAM) SimulatePrincipalPolicy(ctx context.Context, params *iam.SimulatePrincipalPolicyInput, optFns ...func(*iam.Options)) (*iam.SimulatePrincipalPolicyOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	out := &iam.SimulatePrincipalPolicyOutput{}
	for _, action := range params.ActionNames {
		decision := types.PolicyEvaluationDecisionTypeAllowed
		if d, ok := f.denied[action]; ok {
			decision = d
		}
		out.EvaluationResults = append(out.EvaluationResults, types.EvaluationResult{
			EvalActionName:   sdkaws.String(action),
			EvalResourceName: sdkaws.String(params.ResourceArns[0]),
			EvalDecision:     decision,
		})
	}
	return out, nil
}

const role = "arn:aws:iam::123456789012:role/redshift-unload"

func TestExportActions(t *testing.T) {
	objects, bucket := Check{Direction: tracker.Export}.Actions()
	assert.Equal(t, []string{"s3:PutObject"}, objects)
	assert.Equal(t, []string{"s3:ListBucket"}, bucket)

	objects, _ = Check{Direction: tracker.Export, ClearPrefix: true}.Actions()
	assert.Equal(t, []string{"s3:PutObject", "s3:DeleteObject"}, objects)

	objects, _ = Check{Direction: tracker.Import}.Actions()
	assert.Equal(t, []string{"s3:GetObject"}, objects)
}

func TestRunAllowed(t *testing.T) {
	client := &fakeIAM{}
	err := NewChecker(client).Run(context.Background(), Check{
		Direction:      tracker.Export,
		StoragePath:    "s3://exports/orders/",
		CredentialRole: role,
	})
	require.NoError(t, err)
	require.Len(t, client.inputs, 2)
	assert.Equal(t, role, sdkaws.ToString(client.inputs[0].PolicySourceArn))
	assert.Equal(t, []string{"arn:aws:s3:::exports/orders/*"}, client.inputs[0].ResourceArns)
	assert.Equal(t, []string{"arn:aws:s3:::exports"}, client.inputs[1].ResourceArns)
}

func TestRunDenied(t *testing.T) {
	client := &fakeIAM{denied: map[string]types.PolicyEvaluationDecisionType{
		"s3:GetObject":  types.PolicyEvaluationDecisionTypeImplicitDeny,
		"s3:ListBucket": types.PolicyEvaluationDecisionTypeExplicitDeny,
	}}
	err := NewChecker(client).Run(context.Background(), Check{
		Direction:      tracker.Import,
		StoragePath:    "s3://imports/orders/",
		CredentialRole: role,
	})

	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	require.Len(t, denied.Denials, 2)
	assert.Equal(t, "s3:GetObject", denied.Denials[0].Action)
	assert.Equal(t, "implicitDeny", denied.Denials[0].Decision)
	assert.Equal(t, "s3:ListBucket", denied.Denials[1].Action)
	assert.Contains(t, err.Error(), "explicitDeny")
}

func TestRunChainedRoleUsesLast(t *testing.T) {
	client := &fakeIAM{}
	chained := "arn:aws:iam::111111111111:role/cluster, arn:aws-cn:iam::222222222222:role/bucket"
	err := NewChecker(client).Run(context.Background(), Check{
		Direction:      tracker.Import,
		StoragePath:    "s3://imports/x",
		CredentialRole: chained,
	})
	require.NoError(t, err)
	assert.Equal(t, "arn:aws-cn:iam::222222222222:role/bucket", sdkaws.ToString(client.inputs[0].PolicySourceArn))
	assert.Equal(t, []string{"arn:aws-cn:s3:::imports/x*"}, client.inputs[0].ResourceArns)
}

func TestRunErrors(t *testing.T) {
	checker := NewChecker(&fakeIAM{err: errors.New("access denied to iam")})

	err := checker.Run(context.Background(), Check{Direction: tracker.Export, StoragePath: "s3://b/p", CredentialRole: role})
	assert.ErrorContains(t, err, "failed to simulate policy")

	err = checker.Run(context.Background(), Check{Direction: tracker.Export, StoragePath: "not-s3", CredentialRole: role})
	assert.Error(t, err)

	err = checker.Run(context.Background(), Check{Direction: tracker.Export, StoragePath: "s3://b/p", CredentialRole: " "})
	assert.Error(t, err)
}
