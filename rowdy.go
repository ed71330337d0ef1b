// Package rowdy ties the OCI Transfer Pipeline (reference, registryauth,
// transfer, target) and the Lambda Convergence Controller (cloudiam,
// cloudlambda, controller) together behind the four operations spec.md
// §6 exposes to the CRI collaborator: PullImage, CreateContainer,
// ListContainers, RemoveContainer.
package rowdy

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/pkg/errors"

	"github.com/scaffoldly/rowdy/cloudiam"
	"github.com/scaffoldly/rowdy/cloudlambda"
	"github.com/scaffoldly/rowdy/controller"
	"github.com/scaffoldly/rowdy/internal/awscreds"
	"github.com/scaffoldly/rowdy/internal/version"
	"github.com/scaffoldly/rowdy/reference"
	"github.com/scaffoldly/rowdy/registryauth"
	"github.com/scaffoldly/rowdy/target"
	"github.com/scaffoldly/rowdy/transfer"
	"github.com/scaffoldly/rowdy/transfer/ociclient"
)

// ManagedBy and UserAgent annotate every managed resource, per spec.md §6's
// "tag and label namespacing".
const (
	ManagedByKeyFmt = "managed-by"
	UserAgentKey    = "run.rowdy.user.agent"

	ImageLayersFromAnnotation = "run.rowdy.image.layers-from"
	ImageAuthAnnotation       = "run.rowdy.image.auth"
)

var (
	environmentKeyPattern   = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
	environmentValuePattern = regexp.MustCompile(`^[\p{L}\p{Z}\p{N}_.:/=+\-@]*$`)
	tagKeyPattern           = regexp.MustCompile(`^[A-Za-z0-9 _.:\-=+@]{1,128}$`)
	tagValuePattern         = regexp.MustCompile(`^[A-Za-z0-9 _.:\-=+@]{0,256}$`)
)

// DesiredFunctionBundle is the Desired Function Bundle of spec.md §3: the
// caller-supplied inputs to the controller.
type DesiredFunctionBundle struct {
	Image          string
	Name           string
	Memory         int64
	Environment    map[string]string
	Tags           map[string]string
	Entrypoint     []string
	Command        []string
	WorkingDir     string
	Routes         string
	RoleStatements []cloudiam.RoleStatement
}

// Sanitize applies spec.md §3's invariant: environment keys/values and tag
// keys/values are filtered by their regexes, clamps memory to >= 128 MB
// (default 128), and mirrors every accepted tag into the environment map
// under the same sanitization rule.
func (b DesiredFunctionBundle) Sanitize() DesiredFunctionBundle {
	out := b
	if out.Memory < 128 {
		out.Memory = 128
	}

	env := make(map[string]string, len(b.Environment)+len(b.Tags))
	for k, v := range b.Environment {
		if environmentKeyPattern.MatchString(k) && environmentValuePattern.MatchString(v) {
			env[k] = v
		}
	}

	tags := make(map[string]string, len(b.Tags))
	for k, v := range b.Tags {
		if strings.HasPrefix(k, "aws:") || !tagKeyPattern.MatchString(k) || !tagValuePattern.MatchString(v) {
			continue
		}
		tags[k] = v
		if environmentKeyPattern.MatchString(k) && environmentValuePattern.MatchString(v) {
			env[k] = v
		}
	}

	out.Environment = env
	out.Tags = tags
	return out
}

// Container is a single reconciled function, per spec.md §6's
// ListContainers contract.
type Container struct {
	ID     string
	Name   string
	Labels map[string]string
}

// ContainerRuntime is the downstream contract exposed to the CRI
// collaborator (spec.md §6): PullImage plus the container lifecycle
// operations CreateContainer, ListContainers and RemoveContainer.
type ContainerRuntime interface {
	PullImage(ctx context.Context, image string, annotations map[string]string) (string, error)
	CreateContainer(ctx context.Context, name, image string, memory int64, command, args []string, env, labels map[string]string, workingDir string) (string, error)
	ListContainers(ctx context.Context, idFilter string, labelSelector map[string]string) ([]Container, error)
	RemoveContainer(ctx context.Context, containerID string) error
}

// Config is the ambient configuration every rowdy operation reads, mirroring
// spec.md §6's consumed environment variables.
type Config struct {
	DefaultRegistry string
	TargetRegistry  string // AWS_ECR_REGISTRY override
	AWSRegion       string
	HTTPClient      *http.Client
}

// Runtime is the concrete ContainerRuntime implementation wiring the
// transfer pipeline and the convergence controller together.
type Runtime struct {
	Config Config
}

// PullImage implements spec.md §6's PullImage operation: normalize,
// collect, plan, execute, and return the target-registry reference for the
// default platform. AuthFatal, SchemaUnsupported, and PlatformMissing are
// returned as errors; otherwise the returned reference always comes with a
// transfer code of 200 or 206 recorded by the caller via Status.
func (rt *Runtime) PullImage(ctx context.Context, image string, annotations map[string]string) (string, error) {
	cfg, err := awscreds.Load(ctx, rt.Config.AWSRegion)
	if err != nil {
		return "", err
	}

	img, err := reference.Normalize(image, rt.Config.DefaultRegistry)
	if err != nil {
		return "", errors.Wrap(err, "rowdy: normalizing image reference")
	}
	if auth, ok := annotations[ImageAuthAnnotation]; ok {
		img.Authorization = auth
	}

	var overlay *reference.Image
	if raw, ok := annotations[ImageLayersFromAnnotation]; ok && raw != "" {
		o, err := reference.Normalize(raw, rt.Config.DefaultRegistry)
		if err != nil {
			return "", errors.Wrap(err, "rowdy: normalizing layersFrom image reference")
		}
		overlay = &o
	}

	httpClient := rt.Config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	signer := registryauth.NewECRSigner(cfg)
	broker := registryauth.New(httpClient, signer)
	client := ociclient.New(broker)

	collector := transfer.NewCollector(client, transfer.Concurrency())
	collected, err := collector.Collect(ctx, img, overlay)
	if err != nil {
		return "", err
	}

	ecrClient := ecr.NewFromConfig(cfg)
	stsClient := sts.NewFromConfig(cfg)
	loggedIn, err := target.Race(ctx,
		&target.ECRResolver{Client: ecrClient, STSClient: stsClient, RegistryOverride: rt.Config.TargetRegistry},
		&target.LocalResolver{},
	)
	if err != nil {
		return "", errors.Wrap(err, "rowdy: logging in to target registry")
	}
	targetRegistry, err := loggedIn.WithSlug(ctx, img.Slug)
	if err != nil {
		return "", errors.Wrap(err, "rowdy: provisioning target repository")
	}

	planner := transfer.NewPlanner(targetRegistry)
	plan, err := planner.Plan(collected)
	if err != nil {
		return "", err
	}

	executor := transfer.NewExecutor(client, transfer.Concurrency())
	status := transfer.NewStatus(targetRegistry.Endpoint(), img.Namespace, img.Name, plan)

	for _, r := range executor.Run(ctx, plan.Blobs) {
		status.Record(r)
	}
	for _, r := range executor.Run(ctx, plan.ImageManifests) {
		status.Record(r)
	}
	for _, r := range executor.Run(ctx, []transfer.Item{plan.IndexTag}) {
		status.Record(r)
	}

	return status.ImageRef(transfer.DefaultPlatform)
}

// CreateContainer implements spec.md §6's CreateContainer operation: build
// a DesiredFunctionBundle and controller.Desired from the given fields,
// then run one Observe pass to convergence, returning the resulting alias
// ARN.
func (rt *Runtime) CreateContainer(ctx context.Context, name, image string, memory int64, command, args []string, env, labels map[string]string, workingDir string) (string, error) {
	cfg, err := awscreds.Load(ctx, rt.Config.AWSRegion)
	if err != nil {
		return "", err
	}

	bundle := DesiredFunctionBundle{
		Image:       image,
		Name:        name,
		Memory:      memory,
		Environment: env,
		Tags:        labels,
		Command:     append(append([]string{}, command...), args...),
		WorkingDir:  workingDir,
	}.Sanitize()

	img, err := reference.Normalize(image, rt.Config.DefaultRegistry)
	if err != nil {
		return "", errors.Wrap(err, "rowdy: normalizing image reference")
	}

	roleName := cloudiam.RoleName(img.Namespace, img.Name, name)
	iamClient := iam.NewFromConfig(cfg)
	role := &cloudiam.Reconciler{Client: iamClient}

	lambdaClient := lambda.NewFromConfig(cfg)
	fn := &cloudlambda.Reconciler{Client: lambdaClient}
	alias := &cloudlambda.AliasReconciler{Client: lambdaClient}

	driver := controller.NewDriver(role, fn, alias)

	desired := controller.Desired{
		RoleName:        roleName,
		RoleDescription: "rowdy managed role for " + img.Slug,
		RoleStatements:  bundle.RoleStatements,
		FunctionName:    name,
		ImageURI:        image,
		Memory:          bundle.Memory,
		Entrypoint:      bundle.Entrypoint,
		Command:         bundle.Command,
		WorkingDir:      bundle.WorkingDir,
		Environment:     bundle.Environment,
		Tags:            managedTags(img, bundle.Tags),
		Sandbox:         name == "",
		Tag:             img.Tag,
		Digest:          img.Digest,
	}

	states, err := driver.Observe(ctx, desired)
	if err != nil {
		return "", err
	}
	select {
	case s := <-states:
		return s.AliasArn, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ListContainers implements spec.md §6's ListContainers operation: list
// every rowdy-managed function (tagged with ManagedByKeyFmt) and filter by
// id and/or label selector.
func (rt *Runtime) ListContainers(ctx context.Context, idFilter string, labelSelector map[string]string) ([]Container, error) {
	cfg, err := awscreds.Load(ctx, rt.Config.AWSRegion)
	if err != nil {
		return nil, err
	}
	lambdaClient := lambda.NewFromConfig(cfg)

	var containers []Container
	var marker *string
	for {
		out, err := lambdaClient.ListFunctions(ctx, &lambda.ListFunctionsInput{Marker: marker})
		if err != nil {
			return nil, errors.Wrap(err, "rowdy: ListFunctions")
		}
		for _, f := range out.Functions {
			arn := *f.FunctionArn
			if idFilter != "" && arn != idFilter && *f.FunctionName != idFilter {
				continue
			}
			tagsOut, err := lambdaClient.ListTags(ctx, &lambda.ListTagsInput{Resource: f.FunctionArn})
			if err != nil {
				return nil, errors.Wrapf(err, "rowdy: ListTags %s", arn)
			}
			if _, managed := tagsOut.Tags[ManagedByKeyFmt]; !managed {
				continue
			}
			if !matchesSelector(tagsOut.Tags, labelSelector) {
				continue
			}
			containers = append(containers, Container{
				ID:     arn,
				Name:   *f.FunctionName,
				Labels: tagsOut.Tags,
			})
		}
		if out.NextMarker == nil {
			break
		}
		marker = out.NextMarker
	}
	return containers, nil
}

// managedTags merges caller tags with the managed-by and image-provenance
// tags spec.md §6 requires on every managed resource.
func managedTags(img reference.Image, tags map[string]string) map[string]string {
	merged := make(map[string]string, len(tags)+4)
	for k, v := range tags {
		merged[k] = v
	}
	merged[ManagedByKeyFmt] = version.ManagedBy()
	merged[UserAgentKey] = version.UserAgent()
	merged["run.rowdy.image.name"] = img.Name
	merged["run.rowdy.image.namespace"] = img.Namespace
	merged["run.rowdy.image.registry"] = img.Registry
	return merged
}

func matchesSelector(tags, selector map[string]string) bool {
	for k, v := range selector {
		if tags[k] != v {
			return false
		}
	}
	return true
}

// RemoveContainer implements spec.md §6's RemoveContainer operation:
// containerID is the "FunctionArn:qualifier" alias ARN returned by
// CreateContainer; a bare FunctionArn is rejected. This removes only the
// alias (cascading to the URL and permissions), per spec.md §4.J's
// container delete path.
func (rt *Runtime) RemoveContainer(ctx context.Context, containerID string) error {
	cfg, err := awscreds.Load(ctx, rt.Config.AWSRegion)
	if err != nil {
		return err
	}
	functionName, qualifier, err := splitAliasArn(containerID)
	if err != nil {
		return err
	}

	iamClient := iam.NewFromConfig(cfg)
	lambdaClient := lambda.NewFromConfig(cfg)
	role := &cloudiam.Reconciler{Client: iamClient}
	fn := &cloudlambda.Reconciler{Client: lambdaClient}
	alias := &cloudlambda.AliasReconciler{Client: lambdaClient}
	driver := controller.NewDriver(role, fn, alias)

	_, err = driver.Delete(ctx, controller.Desired{
		FunctionName: functionName,
		Sandbox:      false,
		Tag:          qualifier,
	})
	return err
}

// splitAliasArn extracts the function name and qualifier from an alias
// ARN of the form "arn:aws:lambda:<region>:<account>:function:<name>:<qualifier>".
func splitAliasArn(arn string) (functionName, qualifier string, err error) {
	idx := strings.LastIndex(arn, ":")
	if idx == -1 {
		return "", "", errors.Errorf("rowdy: %q is not a qualified alias ARN", arn)
	}
	qualifier = arn[idx+1:]
	rest := arn[:idx]
	nameIdx := strings.LastIndex(rest, ":")
	if nameIdx == -1 || !strings.HasSuffix(rest[:nameIdx], ":function") {
		return "", "", errors.Errorf("rowdy: %q is not a qualified alias ARN", arn)
	}
	return rest[nameIdx+1:], qualifier, nil
}

var _ ContainerRuntime = (*Runtime)(nil)
