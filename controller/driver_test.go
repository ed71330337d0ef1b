package controller

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scaffoldly/rowdy/cloudiam"
	"github.com/scaffoldly/rowdy/cloudlambda"
)

// fakeIAM and fakeLambda are minimal in-memory stand-ins for
// cloudiam.IAMAPI and cloudlambda.LambdaAPI, grounded in the same call
// sequence the real reconcilers make, so the driver's choreography
// (role -> function -> alias/url/permissions) can be exercised without a
// live AWS account.

type fakeIAM struct {
	roles       map[string]*iamtypes.Role
	createCalls int
	deleteCalls int
}

func newFakeIAM() *fakeIAM { return &fakeIAM{roles: map[string]*iamtypes.Role{}} }

func (f *fakeIAM) GetRole(ctx context.Context, in *iam.GetRoleInput, _ ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	role, ok := f.roles[aws.ToString(in.RoleName)]
	if !ok {
		return nil, &iamtypes.NoSuchEntityException{Message: aws.String("absent")}
	}
	return &iam.GetRoleOutput{Role: role}, nil
}

func (f *fakeIAM) CreateRole(ctx context.Context, in *iam.CreateRoleInput, _ ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	f.createCalls++
	role := &iamtypes.Role{
		RoleName: in.RoleName,
		Arn:      aws.String("arn:aws:iam::1:role/" + aws.ToString(in.RoleName)),
		RoleId:   aws.String("AROA1"),
	}
	f.roles[aws.ToString(in.RoleName)] = role
	return &iam.CreateRoleOutput{Role: role}, nil
}

func (f *fakeIAM) UpdateRole(ctx context.Context, in *iam.UpdateRoleInput, _ ...func(*iam.Options)) (*iam.UpdateRoleOutput, error) {
	return &iam.UpdateRoleOutput{}, nil
}

func (f *fakeIAM) UpdateAssumeRolePolicy(ctx context.Context, in *iam.UpdateAssumeRolePolicyInput, _ ...func(*iam.Options)) (*iam.UpdateAssumeRolePolicyOutput, error) {
	return &iam.UpdateAssumeRolePolicyOutput{}, nil
}

func (f *fakeIAM) PutRolePolicy(ctx context.Context, in *iam.PutRolePolicyInput, _ ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error) {
	return &iam.PutRolePolicyOutput{}, nil
}

func (f *fakeIAM) TagRole(ctx context.Context, in *iam.TagRoleInput, _ ...func(*iam.Options)) (*iam.TagRoleOutput, error) {
	return &iam.TagRoleOutput{}, nil
}

func (f *fakeIAM) DeleteRolePolicy(ctx context.Context, in *iam.DeleteRolePolicyInput, _ ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error) {
	return &iam.DeleteRolePolicyOutput{}, nil
}

func (f *fakeIAM) DeleteRole(ctx context.Context, in *iam.DeleteRoleInput, _ ...func(*iam.Options)) (*iam.DeleteRoleOutput, error) {
	f.deleteCalls++
	delete(f.roles, aws.ToString(in.RoleName))
	return &iam.DeleteRoleOutput{}, nil
}

var _ cloudiam.IAMAPI = (*fakeIAM)(nil)

type fakeFn struct {
	arn, imageURI, codeSha string
	version                int
}

type fakeLambda struct {
	functions    map[string]*fakeFn
	aliases      map[string]string
	urls         map[string]bool
	createCalls  int
	deleteCalls  int
	publishCalls int
}

func newFakeLambda() *fakeLambda {
	return &fakeLambda{functions: map[string]*fakeFn{}, aliases: map[string]string{}, urls: map[string]bool{}}
}

func (f *fakeLambda) GetFunction(ctx context.Context, in *lambda.GetFunctionInput, _ ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error) {
	fn, ok := f.functions[aws.ToString(in.FunctionName)]
	if !ok {
		return nil, &lambdatypes.ResourceNotFoundException{Message: aws.String("absent")}
	}
	return &lambda.GetFunctionOutput{
		Configuration: &lambdatypes.FunctionConfiguration{
			FunctionName: in.FunctionName,
			FunctionArn:  aws.String(fn.arn),
			Version:      aws.String("$LATEST"),
			CodeSha256:   aws.String(fn.codeSha),
		},
		Code: &lambdatypes.FunctionCodeLocation{ImageUri: aws.String(fn.imageURI)},
	}, nil
}

func (f *fakeLambda) CreateFunction(ctx context.Context, in *lambda.CreateFunctionInput, _ ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error) {
	f.createCalls++
	name := aws.ToString(in.FunctionName)
	fn := &fakeFn{arn: "arn:aws:lambda:us-east-1:1:function:" + name, imageURI: aws.ToString(in.Code.ImageUri)}
	f.functions[name] = fn
	return &lambda.CreateFunctionOutput{}, nil
}

func (f *fakeLambda) UpdateFunctionConfiguration(ctx context.Context, in *lambda.UpdateFunctionConfigurationInput, _ ...func(*lambda.Options)) (*lambda.UpdateFunctionConfigurationOutput, error) {
	return &lambda.UpdateFunctionConfigurationOutput{}, nil
}

func (f *fakeLambda) UpdateFunctionCode(ctx context.Context, in *lambda.UpdateFunctionCodeInput, _ ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error) {
	fn := f.functions[aws.ToString(in.FunctionName)]
	fn.imageURI = aws.ToString(in.ImageUri)
	return &lambda.UpdateFunctionCodeOutput{}, nil
}

func (f *fakeLambda) PublishVersion(ctx context.Context, in *lambda.PublishVersionInput, _ ...func(*lambda.Options)) (*lambda.PublishVersionOutput, error) {
	f.publishCalls++
	fn := f.functions[aws.ToString(in.FunctionName)]
	fn.version++
	fn.codeSha = aws.ToString(in.CodeSha256)
	return &lambda.PublishVersionOutput{Version: aws.String(fmt.Sprintf("%d", fn.version))}, nil
}

func (f *fakeLambda) TagResource(ctx context.Context, in *lambda.TagResourceInput, _ ...func(*lambda.Options)) (*lambda.TagResourceOutput, error) {
	return &lambda.TagResourceOutput{}, nil
}

func (f *fakeLambda) GetFunctionConfiguration(ctx context.Context, in *lambda.GetFunctionConfigurationInput, _ ...func(*lambda.Options)) (*lambda.GetFunctionConfigurationOutput, error) {
	if _, ok := f.functions[aws.ToString(in.FunctionName)]; !ok {
		return nil, &lambdatypes.ResourceNotFoundException{Message: aws.String("absent")}
	}
	return &lambda.GetFunctionConfigurationOutput{State: lambdatypes.StateActive, LastUpdateStatus: lambdatypes.LastUpdateStatusSuccessful}, nil
}

func (f *fakeLambda) DeleteFunction(ctx context.Context, in *lambda.DeleteFunctionInput, _ ...func(*lambda.Options)) (*lambda.DeleteFunctionOutput, error) {
	f.deleteCalls++
	delete(f.functions, aws.ToString(in.FunctionName))
	return &lambda.DeleteFunctionOutput{}, nil
}

func (f *fakeLambda) UpdateAlias(ctx context.Context, in *lambda.UpdateAliasInput, _ ...func(*lambda.Options)) (*lambda.UpdateAliasOutput, error) {
	key := aws.ToString(in.FunctionName) + "/" + aws.ToString(in.Name)
	if _, ok := f.aliases[key]; !ok {
		return nil, &lambdatypes.ResourceNotFoundException{Message: aws.String("absent")}
	}
	if aws.ToString(in.FunctionVersion) == "$LATEST" {
		return nil, fmt.Errorf("UpdateAlias: FunctionVersion=$LATEST is invalid")
	}
	f.aliases[key] = aws.ToString(in.FunctionVersion)
	return &lambda.UpdateAliasOutput{AliasArn: aws.String("arn:alias:" + key)}, nil
}

func (f *fakeLambda) CreateAlias(ctx context.Context, in *lambda.CreateAliasInput, _ ...func(*lambda.Options)) (*lambda.CreateAliasOutput, error) {
	if aws.ToString(in.FunctionVersion) == "$LATEST" {
		return nil, fmt.Errorf("CreateAlias: FunctionVersion=$LATEST is invalid")
	}
	key := aws.ToString(in.FunctionName) + "/" + aws.ToString(in.Name)
	f.aliases[key] = aws.ToString(in.FunctionVersion)
	return &lambda.CreateAliasOutput{AliasArn: aws.String("arn:alias:" + key)}, nil
}

func (f *fakeLambda) DeleteAlias(ctx context.Context, in *lambda.DeleteAliasInput, _ ...func(*lambda.Options)) (*lambda.DeleteAliasOutput, error) {
	delete(f.aliases, aws.ToString(in.FunctionName)+"/"+aws.ToString(in.Name))
	return &lambda.DeleteAliasOutput{}, nil
}

func (f *fakeLambda) UpdateFunctionUrlConfig(ctx context.Context, in *lambda.UpdateFunctionUrlConfigInput, _ ...func(*lambda.Options)) (*lambda.UpdateFunctionUrlConfigOutput, error) {
	key := aws.ToString(in.FunctionName) + "/" + aws.ToString(in.Qualifier)
	if !f.urls[key] {
		return nil, &lambdatypes.ResourceNotFoundException{Message: aws.String("absent")}
	}
	return &lambda.UpdateFunctionUrlConfigOutput{FunctionUrl: aws.String("https://" + key + ".lambda-url.us-east-1.on.aws/")}, nil
}

func (f *fakeLambda) CreateFunctionUrlConfig(ctx context.Context, in *lambda.CreateFunctionUrlConfigInput, _ ...func(*lambda.Options)) (*lambda.CreateFunctionUrlConfigOutput, error) {
	key := aws.ToString(in.FunctionName) + "/" + aws.ToString(in.Qualifier)
	f.urls[key] = true
	return &lambda.CreateFunctionUrlConfigOutput{FunctionUrl: aws.String("https://" + key + ".lambda-url.us-east-1.on.aws/")}, nil
}

func (f *fakeLambda) GetPolicy(ctx context.Context, in *lambda.GetPolicyInput, _ ...func(*lambda.Options)) (*lambda.GetPolicyOutput, error) {
	return nil, &lambdatypes.ResourceNotFoundException{Message: aws.String("absent")}
}

func (f *fakeLambda) AddPermission(ctx context.Context, in *lambda.AddPermissionInput, _ ...func(*lambda.Options)) (*lambda.AddPermissionOutput, error) {
	return &lambda.AddPermissionOutput{}, nil
}

var _ cloudlambda.LambdaAPI = (*fakeLambda)(nil)

func newTestDriver(iamClient *fakeIAM, lambdaClient *fakeLambda) *Driver {
	return NewDriver(
		&cloudiam.Reconciler{Client: iamClient},
		&cloudlambda.Reconciler{Client: lambdaClient},
		&cloudlambda.AliasReconciler{Client: lambdaClient},
	)
}

func containerDesired() Desired {
	return Desired{
		RoleName:     "library+ubuntu@rowdy.run",
		FunctionName: "f",
		ImageURI:     "1.dkr.ecr.us-east-1.amazonaws.com/library/ubuntu@sha256:" + fmt.Sprintf("%064x", 1),
		Tag:          "noble",
	}
}

func TestObserveContainerPathNeverSendsLatestToAlias(t *testing.T) {
	iamClient, lambdaClient := newFakeIAM(), newFakeLambda()
	d := newTestDriver(iamClient, lambdaClient)

	_, err := d.Observe(context.Background(), containerDesired())
	require.NoError(t, err)

	s := d.current()
	assert.NotEqual(t, "$LATEST", s.FunctionVersion)
	assert.NotEmpty(t, s.AliasArn)
	assert.NotEmpty(t, s.FunctionUrl)
}

func TestObserveIsIdempotentAcrossTwoPasses(t *testing.T) {
	iamClient, lambdaClient := newFakeIAM(), newFakeLambda()
	d := newTestDriver(iamClient, lambdaClient)
	desired := containerDesired()

	_, err := d.Observe(context.Background(), desired)
	require.NoError(t, err)
	require.Equal(t, 1, iamClient.createCalls)
	require.Equal(t, 1, lambdaClient.createCalls)
	require.Equal(t, 1, lambdaClient.publishCalls)

	_, err = d.Observe(context.Background(), desired)
	require.NoError(t, err)
	assert.Equal(t, 1, iamClient.createCalls, "Create* must fire at most once across idempotent passes")
	assert.Equal(t, 1, lambdaClient.createCalls)
	assert.Equal(t, 1, lambdaClient.publishCalls, "unchanged desired state must not publish a new version")
}

func TestObserveSandboxSkipsAliasURLAndPermissions(t *testing.T) {
	iamClient, lambdaClient := newFakeIAM(), newFakeLambda()
	d := newTestDriver(iamClient, lambdaClient)

	desired := containerDesired()
	desired.Sandbox = true

	_, err := d.Observe(context.Background(), desired)
	require.NoError(t, err)

	s := d.current()
	assert.Equal(t, "$LATEST", s.Qualifier)
	assert.Empty(t, s.AliasArn)
	assert.Empty(t, s.FunctionUrl)
	assert.Empty(t, lambdaClient.aliases)
	assert.Empty(t, lambdaClient.urls)
}

func TestDeleteContainerRemovesOnlyAlias(t *testing.T) {
	iamClient, lambdaClient := newFakeIAM(), newFakeLambda()
	d := newTestDriver(iamClient, lambdaClient)
	desired := containerDesired()

	_, err := d.Observe(context.Background(), desired)
	require.NoError(t, err)

	_, err = d.Delete(context.Background(), desired)
	require.NoError(t, err)

	assert.Empty(t, lambdaClient.aliases)
	assert.Equal(t, 0, lambdaClient.deleteCalls, "container delete must not remove the function")
	assert.Equal(t, 0, iamClient.deleteCalls, "container delete must not remove the role")

	s := d.current()
	assert.Empty(t, s.AliasArn)
	assert.Empty(t, s.FunctionUrl)
}

func TestDeleteSandboxRemovesFunctionThenRole(t *testing.T) {
	iamClient, lambdaClient := newFakeIAM(), newFakeLambda()
	d := newTestDriver(iamClient, lambdaClient)
	desired := containerDesired()
	desired.Sandbox = true

	_, err := d.Observe(context.Background(), desired)
	require.NoError(t, err)

	_, err = d.Delete(context.Background(), desired)
	require.NoError(t, err)

	assert.Equal(t, 1, lambdaClient.deleteCalls)
	assert.Equal(t, 1, iamClient.deleteCalls)
	assert.Equal(t, State{}, d.current())
}
