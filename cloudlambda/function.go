// Package cloudlambda implements spec.md §4.I and §4.J: the Lambda
// function, alias, function URL, and permission reconcilers.
package cloudlambda

import (
	"context"
	goerrors "errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/pkg/errors"

	"github.com/scaffoldly/rowdy/internal/reconcile"
	"github.com/scaffoldly/rowdy/internal/retry"
)

var nameSanitizer = regexp.MustCompile(`[^A-Za-z0-9-]`)

// FunctionName implements spec.md §4.I's naming rule: the IAM RoleId, or a
// sanitized user-supplied name when one is given.
func FunctionName(roleID, humanName string) string {
	if humanName == "" {
		return roleID
	}
	return nameSanitizer.ReplaceAllString(humanName, "-")
}

// Desired is the desired-state bundle for a function, per spec.md §3's
// Desired Function Bundle (the container-code-and-config slice of it).
type Desired struct {
	FunctionName string
	ImageURI     string
	RoleArn      string
	Memory       int64
	Entrypoint   []string
	Command      []string
	WorkingDir   string
	Environment  map[string]string
	Tags         map[string]string
}

// Function is the observed shape of a reconciled Lambda function.
type Function struct {
	FunctionName    string
	FunctionArn     string
	ImageURI        string
	FunctionVersion string
	CodeSha256      string
	Memory          int64
	Entrypoint      []string
	Command         []string
	WorkingDir      string
	Environment     map[string]string
}

// LambdaAPI is the subset of *lambda.Client used by the function, alias,
// function-URL, and permission reconcilers. Narrowing to an interface lets
// tests substitute a fake instead of a live Lambda endpoint; *lambda.Client
// satisfies it without any wrapper.
type LambdaAPI interface {
	GetFunction(ctx context.Context, params *lambda.GetFunctionInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error)
	CreateFunction(ctx context.Context, params *lambda.CreateFunctionInput, optFns ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error)
	UpdateFunctionConfiguration(ctx context.Context, params *lambda.UpdateFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionConfigurationOutput, error)
	UpdateFunctionCode(ctx context.Context, params *lambda.UpdateFunctionCodeInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error)
	PublishVersion(ctx context.Context, params *lambda.PublishVersionInput, optFns ...func(*lambda.Options)) (*lambda.PublishVersionOutput, error)
	TagResource(ctx context.Context, params *lambda.TagResourceInput, optFns ...func(*lambda.Options)) (*lambda.TagResourceOutput, error)
	GetFunctionConfiguration(ctx context.Context, params *lambda.GetFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionConfigurationOutput, error)
	DeleteFunction(ctx context.Context, params *lambda.DeleteFunctionInput, optFns ...func(*lambda.Options)) (*lambda.DeleteFunctionOutput, error)
	UpdateAlias(ctx context.Context, params *lambda.UpdateAliasInput, optFns ...func(*lambda.Options)) (*lambda.UpdateAliasOutput, error)
	CreateAlias(ctx context.Context, params *lambda.CreateAliasInput, optFns ...func(*lambda.Options)) (*lambda.CreateAliasOutput, error)
	DeleteAlias(ctx context.Context, params *lambda.DeleteAliasInput, optFns ...func(*lambda.Options)) (*lambda.DeleteAliasOutput, error)
	UpdateFunctionUrlConfig(ctx context.Context, params *lambda.UpdateFunctionUrlConfigInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionUrlConfigOutput, error)
	CreateFunctionUrlConfig(ctx context.Context, params *lambda.CreateFunctionUrlConfigInput, optFns ...func(*lambda.Options)) (*lambda.CreateFunctionUrlConfigOutput, error)
	GetPolicy(ctx context.Context, params *lambda.GetPolicyInput, optFns ...func(*lambda.Options)) (*lambda.GetPolicyOutput, error)
	AddPermission(ctx context.Context, params *lambda.AddPermissionInput, optFns ...func(*lambda.Options)) (*lambda.AddPermissionOutput, error)
}

// Reconciler implements the function half of spec.md §4.I against the
// Lambda API.
type Reconciler struct {
	Client LambdaAPI
	// PollInterval paces GetFunctionConfiguration polls; default 2s.
	PollInterval time.Duration

	mu sync.Mutex
	// lastVersion is the numeric version PublishVersion last returned for
	// this function. GetFunction is always unqualified and so always
	// reports Configuration.Version as "$LATEST"; without this cache every
	// Read would look identical to a never-published function, forcing
	// needsConfigUpdate's $LATEST catch-all and an UpdateAlias/CreateAlias
	// call with FunctionVersion="$LATEST", which AWS rejects.
	lastVersion string
}

var _ reconcile.Resource[Function, Desired] = (*boundReconciler)(nil)

type boundReconciler struct {
	*Reconciler
	desired Desired
}

// Reconcile runs the full read -> create-or-update -> tag -> re-read pass
// for desired, per spec.md §4.I and §4.K.
func (r *Reconciler) Reconcile(ctx context.Context, desired Desired) (*Function, error) {
	bound := &boundReconciler{Reconciler: r, desired: desired}
	return reconcile.Reconcile[Function, Desired](ctx, bound, desired, reconcile.Options{Name: "lambda-function:" + desired.FunctionName})
}

func (b *boundReconciler) Read(ctx context.Context) (*Function, error) {
	out, err := b.Client.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(b.desired.FunctionName)})
	if err != nil {
		if isResourceNotFound(err) {
			return nil, reconcile.ErrNotExist
		}
		return nil, err
	}
	fn := toFunction(out.Configuration)
	if fn != nil && out.Code != nil {
		fn.ImageURI = aws.ToString(out.Code.ImageUri)
	}
	if fn != nil {
		b.mu.Lock()
		if b.lastVersion != "" {
			fn.FunctionVersion = b.lastVersion
		}
		b.mu.Unlock()
	}
	return fn, nil
}

func (b *boundReconciler) Create(ctx context.Context, desired Desired) (*Function, error) {
	_, err := b.Client.CreateFunction(ctx, &lambda.CreateFunctionInput{
		FunctionName: aws.String(desired.FunctionName),
		PackageType:  lambdatypes.PackageTypeImage,
		Architectures: []lambdatypes.Architecture{
			lambdatypes.ArchitectureX8664,
		},
		Timeout: aws.Int32(900),
		Publish: false,
		Code:    &lambdatypes.FunctionCode{ImageUri: aws.String(desired.ImageURI)},
		Role:    aws.String(desired.RoleArn),
	})
	if err != nil {
		return nil, errors.Wrap(err, "cloudlambda: CreateFunction")
	}
	if err := b.waitActive(ctx, desired.FunctionName); err != nil {
		return nil, err
	}
	return b.publish(ctx, desired)
}

// NeedsUpdate implements spec.md §4.I's diff: update.code or update.config.
func (b *boundReconciler) NeedsUpdate(existing *Function, desired Desired) bool {
	return needsCodeUpdate(existing, desired) || needsConfigUpdate(existing, desired)
}

func needsCodeUpdate(existing *Function, desired Desired) bool {
	return existing.ImageURI != desired.ImageURI
}

func needsConfigUpdate(existing *Function, desired Desired) bool {
	if existing.FunctionVersion == "$LATEST" {
		return true
	}
	if existing.Memory != 0 && desired.Memory != 0 && existing.Memory != desired.Memory {
		return true
	}
	if len(desired.Entrypoint) > 0 && !stringSliceEqual(existing.Entrypoint, desired.Entrypoint) {
		return true
	}
	if len(desired.Command) > 0 && !stringSliceEqual(existing.Command, desired.Command) {
		return true
	}
	if desired.WorkingDir != "" && existing.WorkingDir != desired.WorkingDir {
		return true
	}
	if !envSubset(desired.Environment, existing.Environment) {
		return true
	}
	return false
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// envSubset reports whether every key in desired with a valid value is
// present with the same value in existing, per spec.md §4.I.
func envSubset(desired, existing map[string]string) bool {
	for k, v := range desired {
		if !environmentValuePattern.MatchString(v) {
			continue
		}
		if existing[k] != v {
			return false
		}
	}
	return true
}

func (b *boundReconciler) Update(ctx context.Context, existing *Function, desired Desired) (*Function, error) {
	changed := false

	if needsConfigUpdate(existing, desired) {
		merged := mergeEnvironment(existing.Environment, desired.Environment)
		_, err := b.Client.UpdateFunctionConfiguration(ctx, &lambda.UpdateFunctionConfigurationInput{
			FunctionName: aws.String(desired.FunctionName),
			MemorySize:   aws.Int32(int32(desired.Memory)),
			Environment:  &lambdatypes.Environment{Variables: merged},
			ImageConfig: &lambdatypes.ImageConfig{
				EntryPoint:       desired.Entrypoint,
				Command:          desired.Command,
				WorkingDirectory: aws.String(desired.WorkingDir),
			},
			Layers: []string{},
		})
		if err != nil {
			return nil, errors.Wrap(err, "cloudlambda: UpdateFunctionConfiguration")
		}
		if err := b.waitUpdateSuccessful(ctx, desired.FunctionName); err != nil {
			return nil, err
		}
		changed = true
	}

	if needsCodeUpdate(existing, desired) {
		_, err := b.Client.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
			FunctionName: aws.String(desired.FunctionName),
			ImageUri:     aws.String(desired.ImageURI),
			Publish:      false,
		})
		if err != nil {
			return nil, errors.Wrap(err, "cloudlambda: UpdateFunctionCode")
		}
		if err := b.waitUpdateSuccessful(ctx, desired.FunctionName); err != nil {
			return nil, err
		}
		changed = true
	}

	if !changed {
		return existing, nil
	}
	return b.publish(ctx, desired)
}

// mergeEnvironment implements spec.md §4.I's environment merge rule:
// existing keys survive; desired keys overwrite unless their value fails
// the value pattern, in which case the key is dropped (not written).
func mergeEnvironment(existing, desired map[string]string) map[string]string {
	merged := make(map[string]string, len(existing)+len(desired))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range desired {
		if !environmentValuePattern.MatchString(v) {
			continue
		}
		merged[k] = v
	}
	return merged
}

var environmentValuePattern = regexp.MustCompile(`^[\p{L}\p{Z}\p{N}_.:/=+\-@]*$`)

func (b *boundReconciler) publish(ctx context.Context, desired Desired) (*Function, error) {
	sha := codeSha256FromImageURI(desired.ImageURI)
	out, err := b.Client.PublishVersion(ctx, &lambda.PublishVersionInput{
		FunctionName: aws.String(desired.FunctionName),
		CodeSha256:   aws.String(sha),
	})
	if err != nil {
		return nil, errors.Wrap(err, "cloudlambda: PublishVersion")
	}
	if err := b.waitUpdateSuccessful(ctx, desired.FunctionName); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.lastVersion = aws.ToString(out.Version)
	b.mu.Unlock()

	fn, err := b.Read(ctx)
	if err != nil {
		return nil, err
	}
	return fn, nil
}

// codeSha256FromImageURI extracts the hex digest trailing "@sha256:" from
// an image reference, per spec.md §4.I's PublishVersion step.
func codeSha256FromImageURI(imageURI string) string {
	idx := strings.LastIndex(imageURI, "@sha256:")
	if idx == -1 {
		return ""
	}
	return imageURI[idx+len("@sha256:"):]
}

func (b *boundReconciler) Tag(ctx context.Context, existing *Function, desired Desired) error {
	if existing == nil || len(desired.Tags) == 0 {
		return nil
	}
	_, err := b.Client.TagResource(ctx, &lambda.TagResourceInput{
		Resource: aws.String(existing.FunctionArn),
		Tags:     desired.Tags,
	})
	if err != nil {
		return errors.Wrap(err, "cloudlambda: TagResource")
	}
	return nil
}

func (b *boundReconciler) waitActive(ctx context.Context, name string) error {
	return retry.Do(ctx, retry.Options{InitialInterval: b.pollInterval()}, func(ctx context.Context) error {
		out, err := b.Client.GetFunctionConfiguration(ctx, &lambda.GetFunctionConfigurationInput{FunctionName: aws.String(name)})
		if err != nil {
			return err
		}
		if out.State == lambdatypes.StateActive && out.LastUpdateStatus == lambdatypes.LastUpdateStatusSuccessful {
			return nil
		}
		if out.State == lambdatypes.StateFailed || out.LastUpdateStatus == lambdatypes.LastUpdateStatusFailed {
			return retry.Stop(errors.Errorf("cloudlambda: function %s entered failed state", name))
		}
		return errors.Errorf("cloudlambda: function %s not yet active (state=%s)", name, out.State)
	})
}

func (b *boundReconciler) waitUpdateSuccessful(ctx context.Context, name string) error {
	return retry.Do(ctx, retry.Options{InitialInterval: b.pollInterval()}, func(ctx context.Context) error {
		out, err := b.Client.GetFunctionConfiguration(ctx, &lambda.GetFunctionConfigurationInput{FunctionName: aws.String(name)})
		if err != nil {
			return err
		}
		if out.LastUpdateStatus == lambdatypes.LastUpdateStatusSuccessful {
			return nil
		}
		if out.LastUpdateStatus == lambdatypes.LastUpdateStatusFailed {
			return retry.Stop(errors.Errorf("cloudlambda: function %s update failed", name))
		}
		return errors.Errorf("cloudlambda: function %s update in progress", name)
	})
}

// Dispose deletes the function, per a sandbox's delete path in spec.md
// §4.J ("delete of a sandbox removes the function, then the inline role
// policy, then the role" — this covers the function step only).
func (r *Reconciler) Dispose(ctx context.Context, functionName string) error {
	_, err := r.Client.DeleteFunction(ctx, &lambda.DeleteFunctionInput{FunctionName: aws.String(functionName)})
	if err != nil && !isResourceNotFound(err) {
		return errors.Wrap(err, "cloudlambda: DeleteFunction")
	}
	return nil
}

func (r *Reconciler) pollInterval() time.Duration {
	if r.PollInterval <= 0 {
		return 2 * time.Second
	}
	return r.PollInterval
}

func toFunction(cfg *lambdatypes.FunctionConfiguration) *Function {
	if cfg == nil {
		return nil
	}
	f := &Function{
		FunctionName:    aws.ToString(cfg.FunctionName),
		FunctionArn:     aws.ToString(cfg.FunctionArn),
		FunctionVersion: aws.ToString(cfg.Version),
		CodeSha256:      aws.ToString(cfg.CodeSha256),
		Memory:          int64(aws.ToInt32(cfg.MemorySize)),
	}
	if cfg.Environment != nil {
		f.Environment = cfg.Environment.Variables
	}
	if cfg.ImageConfigResponse != nil && cfg.ImageConfigResponse.ImageConfig != nil {
		ic := cfg.ImageConfigResponse.ImageConfig
		f.Entrypoint = ic.EntryPoint
		f.Command = ic.Command
		f.WorkingDir = aws.ToString(ic.WorkingDirectory)
	}
	return f
}

func isResourceNotFound(err error) bool {
	var nf *lambdatypes.ResourceNotFoundException
	return goerrors.As(err, &nf)
}
