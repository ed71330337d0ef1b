package cloudlambda

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFunction holds the server-side state fakeLambda tracks for one
// function, grounded in the same fields the real Lambda API reports.
type fakeFunction struct {
	arn         string
	imageURI    string
	codeSha     string
	version     int
	memory      int32
	entrypoint  []string
	command     []string
	workingDir  string
	environment map[string]string
	tags        map[string]string
}

// fakeLambda is a minimal in-memory stand-in for LambdaAPI, grounded in the
// exact call sequence cloudlambda.Reconciler and AliasReconciler make.
type fakeLambda struct {
	functions map[string]*fakeFunction
	aliases   map[string]string // "functionName/qualifier" -> version
	urls      map[string]string // "functionName/qualifier" -> url

	createCalls  int
	updateCfg    int
	updateCode   int
	publishCalls int
}

func newFakeLambda() *fakeLambda {
	return &fakeLambda{
		functions: map[string]*fakeFunction{},
		aliases:   map[string]string{},
		urls:      map[string]string{},
	}
}

func (f *fakeLambda) GetFunction(ctx context.Context, in *lambda.GetFunctionInput, _ ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error) {
	name := aws.ToString(in.FunctionName)
	fn, ok := f.functions[name]
	if !ok {
		return nil, &lambdatypes.ResourceNotFoundException{Message: aws.String("no such function")}
	}
	return &lambda.GetFunctionOutput{
		Configuration: &lambdatypes.FunctionConfiguration{
			FunctionName: aws.String(name),
			FunctionArn:  aws.String(fn.arn),
			Version:      aws.String("$LATEST"),
			CodeSha256:   aws.String(fn.codeSha),
			MemorySize:   aws.Int32(fn.memory),
			Environment:  &lambdatypes.EnvironmentResponse{Variables: fn.environment},
			ImageConfigResponse: &lambdatypes.ImageConfigResponse{
				ImageConfig: &lambdatypes.ImageConfig{
					EntryPoint:       fn.entrypoint,
					Command:          fn.command,
					WorkingDirectory: aws.String(fn.workingDir),
				},
			},
		},
		Code: &lambdatypes.FunctionCodeLocation{ImageUri: aws.String(fn.imageURI)},
	}, nil
}

func (f *fakeLambda) CreateFunction(ctx context.Context, in *lambda.CreateFunctionInput, _ ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error) {
	f.createCalls++
	name := aws.ToString(in.FunctionName)
	fn := &fakeFunction{
		arn:      "arn:aws:lambda:us-east-1:1:function:" + name,
		imageURI: aws.ToString(in.Code.ImageUri),
	}
	f.functions[name] = fn
	return &lambda.CreateFunctionOutput{FunctionName: aws.String(name), FunctionArn: aws.String(fn.arn)}, nil
}

func (f *fakeLambda) UpdateFunctionConfiguration(ctx context.Context, in *lambda.UpdateFunctionConfigurationInput, _ ...func(*lambda.Options)) (*lambda.UpdateFunctionConfigurationOutput, error) {
	f.updateCfg++
	fn := f.functions[aws.ToString(in.FunctionName)]
	fn.memory = aws.ToInt32(in.MemorySize)
	if in.Environment != nil {
		fn.environment = in.Environment.Variables
	}
	if in.ImageConfig != nil {
		fn.entrypoint = in.ImageConfig.EntryPoint
		fn.command = in.ImageConfig.Command
		fn.workingDir = aws.ToString(in.ImageConfig.WorkingDirectory)
	}
	return &lambda.UpdateFunctionConfigurationOutput{}, nil
}

func (f *fakeLambda) UpdateFunctionCode(ctx context.Context, in *lambda.UpdateFunctionCodeInput, _ ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error) {
	f.updateCode++
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
		return nil, &lambdatypes.ResourceNotFoundException{Message: aws.String("no such function")}
	}
	return &lambda.GetFunctionConfigurationOutput{
		State:            lambdatypes.StateActive,
		LastUpdateStatus: lambdatypes.LastUpdateStatusSuccessful,
	}, nil
}

func (f *fakeLambda) DeleteFunction(ctx context.Context, in *lambda.DeleteFunctionInput, _ ...func(*lambda.Options)) (*lambda.DeleteFunctionOutput, error) {
	delete(f.functions, aws.ToString(in.FunctionName))
	return &lambda.DeleteFunctionOutput{}, nil
}

func (f *fakeLambda) UpdateAlias(ctx context.Context, in *lambda.UpdateAliasInput, _ ...func(*lambda.Options)) (*lambda.UpdateAliasOutput, error) {
	key := aws.ToString(in.FunctionName) + "/" + aws.ToString(in.Name)
	if _, ok := f.aliases[key]; !ok {
		return nil, &lambdatypes.ResourceNotFoundException{Message: aws.String("no such alias")}
	}
	if aws.ToString(in.FunctionVersion) == "$LATEST" {
		return nil, errLatestAlias
	}
	f.aliases[key] = aws.ToString(in.FunctionVersion)
	return &lambda.UpdateAliasOutput{AliasArn: aws.String("arn:alias:" + key)}, nil
}

func (f *fakeLambda) CreateAlias(ctx context.Context, in *lambda.CreateAliasInput, _ ...func(*lambda.Options)) (*lambda.CreateAliasOutput, error) {
	if aws.ToString(in.FunctionVersion) == "$LATEST" {
		return nil, errLatestAlias
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
	if _, ok := f.urls[key]; !ok {
		return nil, &lambdatypes.ResourceNotFoundException{Message: aws.String("no such url config")}
	}
	return &lambda.UpdateFunctionUrlConfigOutput{FunctionUrl: aws.String("https://" + key + ".lambda-url.us-east-1.on.aws/")}, nil
}

func (f *fakeLambda) CreateFunctionUrlConfig(ctx context.Context, in *lambda.CreateFunctionUrlConfigInput, _ ...func(*lambda.Options)) (*lambda.CreateFunctionUrlConfigOutput, error) {
	key := aws.ToString(in.FunctionName) + "/" + aws.ToString(in.Qualifier)
	f.urls[key] = key
	return &lambda.CreateFunctionUrlConfigOutput{FunctionUrl: aws.String("https://" + key + ".lambda-url.us-east-1.on.aws/")}, nil
}

func (f *fakeLambda) GetPolicy(ctx context.Context, in *lambda.GetPolicyInput, _ ...func(*lambda.Options)) (*lambda.GetPolicyOutput, error) {
	return nil, &lambdatypes.ResourceNotFoundException{Message: aws.String("no policy yet")}
}

func (f *fakeLambda) AddPermission(ctx context.Context, in *lambda.AddPermissionInput, _ ...func(*lambda.Options)) (*lambda.AddPermissionOutput, error) {
	return &lambda.AddPermissionOutput{}, nil
}

var errLatestAlias = fmt.Errorf("cloudlambda: fake rejects FunctionVersion=$LATEST, as AWS does")

var _ LambdaAPI = (*fakeLambda)(nil)

func TestReconcilePreservesPublishedVersionThroughFinalReread(t *testing.T) {
	client := newFakeLambda()
	r := &Reconciler{Client: client}

	fn, err := r.Reconcile(context.Background(), Desired{
		FunctionName: "f",
		ImageURI:     "1.dkr.ecr.us-east-1.amazonaws.com/library/ubuntu@sha256:" + fmt.Sprintf("%064x", 1),
		RoleArn:      "arn:aws:iam::1:role/r",
	})
	require.NoError(t, err)
	require.NotNil(t, fn)
	assert.NotEqual(t, "$LATEST", fn.FunctionVersion)
	assert.Equal(t, "1", fn.FunctionVersion)
}

func TestReconcileIdempotentOnSecondPassWithNoChanges(t *testing.T) {
	client := newFakeLambda()
	r := &Reconciler{Client: client}
	desired := Desired{
		FunctionName: "f",
		ImageURI:     "1.dkr.ecr.us-east-1.amazonaws.com/library/ubuntu@sha256:" + fmt.Sprintf("%064x", 1),
		RoleArn:      "arn:aws:iam::1:role/r",
	}

	_, err := r.Reconcile(context.Background(), desired)
	require.NoError(t, err)
	require.Equal(t, 1, client.createCalls)
	require.Equal(t, 1, client.publishCalls)

	fn, err := r.Reconcile(context.Background(), desired)
	require.NoError(t, err)
	assert.Equal(t, 1, client.createCalls)
	assert.Equal(t, 1, client.publishCalls, "unchanged code/config must not re-publish a version")
	assert.Equal(t, "1", fn.FunctionVersion)
}

func TestReconcilePublishesAgainOnImageChange(t *testing.T) {
	client := newFakeLambda()
	r := &Reconciler{Client: client}
	desired := Desired{
		FunctionName: "f",
		ImageURI:     "1.dkr.ecr.us-east-1.amazonaws.com/library/ubuntu@sha256:" + fmt.Sprintf("%064x", 1),
		RoleArn:      "arn:aws:iam::1:role/r",
	}
	_, err := r.Reconcile(context.Background(), desired)
	require.NoError(t, err)

	desired.ImageURI = "1.dkr.ecr.us-east-1.amazonaws.com/library/ubuntu@sha256:" + fmt.Sprintf("%064x", 2)
	fn, err := r.Reconcile(context.Background(), desired)
	require.NoError(t, err)
	assert.Equal(t, 2, client.publishCalls)
	assert.Equal(t, "2", fn.FunctionVersion)
}

// TestAliasReconcileNeverReceivesLatestAfterFunctionReconcile is the
// regression test for the bug where the function reconciler's FunctionVersion
// was clobbered back to "$LATEST" by the envelope's final unqualified
// re-read, which made every container-path CreateAlias/UpdateAlias call fail.
func TestAliasReconcileNeverReceivesLatestAfterFunctionReconcile(t *testing.T) {
	client := newFakeLambda()
	funcReconciler := &Reconciler{Client: client}
	aliasReconciler := &AliasReconciler{Client: client}

	fn, err := funcReconciler.Reconcile(context.Background(), Desired{
		FunctionName: "f",
		ImageURI:     "1.dkr.ecr.us-east-1.amazonaws.com/library/ubuntu@sha256:" + fmt.Sprintf("%064x", 1),
		RoleArn:      "arn:aws:iam::1:role/r",
	})
	require.NoError(t, err)

	_, err = aliasReconciler.Reconcile(context.Background(), AliasDesired{
		FunctionArn:     fn.FunctionArn,
		FunctionName:    fn.FunctionName,
		Qualifier:       "prod",
		FunctionVersion: fn.FunctionVersion,
	})
	require.NoError(t, err)
}
