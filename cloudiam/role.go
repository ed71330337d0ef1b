// Package cloudiam implements spec.md §4.H: the IAM role reconciler. It
// idempotently creates/updates a role, trust policy, and inline policy
// from consumer-supplied fragments.
package cloudiam

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/pkg/errors"

	"github.com/scaffoldly/rowdy/internal/reconcile"
)

// InlinePolicyName is the name of the managed inline policy, per spec.md
// §4.H.
const InlinePolicyName = "RowdyPolicy"

// trustPolicy is the fixed assume-role trust document, per spec.md §4.H.
const trustPolicy = `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"Service":"lambda.amazonaws.com"},"Action":"sts:AssumeRole"}]}`

// baselineStatements is the logs + xray + EC2 ENI baseline merged with
// caller-supplied statements, per spec.md §4.H.
var baselineStatements = []statement{
	{
		Effect: "Allow",
		Action: []string{
			"logs:CreateLogGroup",
			"logs:CreateLogStream",
			"logs:PutLogEvents",
		},
		Resource: []string{"*"},
	},
	{
		Effect:   "Allow",
		Action:   []string{"xray:PutTraceSegments", "xray:PutTelemetryRecords"},
		Resource: []string{"*"},
	},
	{
		Effect: "Allow",
		Action: []string{
			"ec2:CreateNetworkInterface",
			"ec2:DescribeNetworkInterfaces",
			"ec2:DeleteNetworkInterface",
		},
		Resource: []string{"*"},
	},
}

type statement struct {
	Effect   string   `json:"Effect"`
	Action   []string `json:"Action"`
	Resource []string `json:"Resource"`
}

// RoleStatement is a caller-supplied IAM allow statement, exported so
// other packages can build and hold them via Statement without this
// package's internal representation otherwise leaking.
type RoleStatement = statement

type policyDocument struct {
	Version   string      `json:"Version"`
	Statement []statement `json:"Statement"`
}

var suffixSanitizer = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// RoleName implements spec.md §4.H's role naming rule:
// "<namespace>+<name>@<suffix>.rowdy.run" when a human name is provided,
// else "<namespace>+<name>@rowdy.run".
func RoleName(namespace, name, humanName string) string {
	base := namespace + "+" + name
	if humanName == "" {
		return base + "@rowdy.run"
	}
	suffix := suffixSanitizer.ReplaceAllString(humanName, ".")
	return base + "@" + suffix + ".rowdy.run"
}

// Desired is the desired-state bundle for a single role.
type Desired struct {
	RoleName       string
	Description    string
	RoleStatements []RoleStatement
	Tags           map[string]string
}

// Statement is the public constructor for a caller-supplied IAM allow
// statement (spec.md §3's "roleStatements").
func Statement(actions, resources []string) RoleStatement {
	return RoleStatement{Effect: "Allow", Action: actions, Resource: resources}
}

// Role is the observed shape of a reconciled IAM role.
type Role struct {
	RoleName string
	RoleArn  string
	RoleID   string
}

// IAMAPI is the subset of *iam.Client the role reconciler calls. Narrowing
// to an interface lets tests substitute a fake instead of a live IAM
// endpoint; *iam.Client satisfies it without any wrapper.
type IAMAPI interface {
	GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	CreateRole(ctx context.Context, params *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	UpdateRole(ctx context.Context, params *iam.UpdateRoleInput, optFns ...func(*iam.Options)) (*iam.UpdateRoleOutput, error)
	UpdateAssumeRolePolicy(ctx context.Context, params *iam.UpdateAssumeRolePolicyInput, optFns ...func(*iam.Options)) (*iam.UpdateAssumeRolePolicyOutput, error)
	PutRolePolicy(ctx context.Context, params *iam.PutRolePolicyInput, optFns ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error)
	TagRole(ctx context.Context, params *iam.TagRoleInput, optFns ...func(*iam.Options)) (*iam.TagRoleOutput, error)
	DeleteRolePolicy(ctx context.Context, params *iam.DeleteRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error)
	DeleteRole(ctx context.Context, params *iam.DeleteRoleInput, optFns ...func(*iam.Options)) (*iam.DeleteRoleOutput, error)
}

// Reconciler drives an IAM role through reconcile.Reconcile, following the
// read/create/update/tag pattern of spec.md §4.H. The reconcile.Resource
// methods themselves live on boundReconciler.
type Reconciler struct {
	Client IAMAPI
}

var _ reconcile.Resource[Role, Desired] = (*boundReconciler)(nil)

// bind attaches a desired state to the reconciler so Read/Create/Update/Tag
// have access to the role name being reconciled.
func (r *Reconciler) bind(desired Desired) *boundReconciler {
	return &boundReconciler{Reconciler: r, desired: desired}
}

// boundReconciler adapts Reconciler to reconcile.Resource, which needs a
// receiver without a pre-bound role name; reconcile.Reconcile is called
// with a fresh boundReconciler per invocation.
type boundReconciler struct {
	*Reconciler
	desired Desired
}

// Reconcile runs the full read -> create-or-update -> tag -> re-read pass
// for desired, per spec.md §4.H and §4.K.
func (r *Reconciler) Reconcile(ctx context.Context, desired Desired) (*Role, error) {
	bound := r.bind(desired)
	return reconcile.Reconcile[Role, Desired](ctx, bound, desired, reconcile.Options{Name: "iam-role:" + desired.RoleName})
}

func (b *boundReconciler) Read(ctx context.Context) (*Role, error) {
	out, err := b.Client.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(b.desired.RoleName)})
	if err != nil {
		if isNoSuchEntity(err) {
			return nil, reconcile.ErrNotExist
		}
		return nil, err
	}
	return &Role{
		RoleName: aws.ToString(out.Role.RoleName),
		RoleArn:  aws.ToString(out.Role.Arn),
		RoleID:   aws.ToString(out.Role.RoleId),
	}, nil
}

func (b *boundReconciler) Create(ctx context.Context, desired Desired) (*Role, error) {
	out, err := b.Client.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(desired.RoleName),
		Description:              aws.String(desired.Description),
		AssumeRolePolicyDocument: aws.String(trustPolicy),
	})
	if err != nil {
		return nil, errors.Wrap(err, "cloudiam: CreateRole")
	}
	if err := b.putInlinePolicy(ctx, desired); err != nil {
		return nil, err
	}
	return &Role{
		RoleName: aws.ToString(out.Role.RoleName),
		RoleArn:  aws.ToString(out.Role.Arn),
		RoleID:   aws.ToString(out.Role.RoleId),
	}, nil
}

func (b *boundReconciler) NeedsUpdate(existing *Role, desired Desired) bool {
	// The inline policy and trust policy are idempotently re-applied on
	// every convergence pass; there is no cheaper diff available since IAM
	// does not return the previous policy document without an extra read.
	return true
}

func (b *boundReconciler) Update(ctx context.Context, existing *Role, desired Desired) (*Role, error) {
	if _, err := b.Client.UpdateRole(ctx, &iam.UpdateRoleInput{
		RoleName:    aws.String(desired.RoleName),
		Description: aws.String(desired.Description),
	}); err != nil {
		return nil, errors.Wrap(err, "cloudiam: UpdateRole")
	}
	if _, err := b.Client.UpdateAssumeRolePolicy(ctx, &iam.UpdateAssumeRolePolicyInput{
		RoleName:       aws.String(desired.RoleName),
		PolicyDocument: aws.String(trustPolicy),
	}); err != nil {
		return nil, errors.Wrap(err, "cloudiam: UpdateAssumeRolePolicy")
	}
	if err := b.putInlinePolicy(ctx, desired); err != nil {
		return nil, err
	}
	return existing, nil
}

func (b *boundReconciler) putInlinePolicy(ctx context.Context, desired Desired) error {
	merged := mergePolicy(baselineStatements, desired.RoleStatements)
	doc, err := json.Marshal(policyDocument{Version: "2012-10-17", Statement: merged})
	if err != nil {
		return errors.Wrap(err, "cloudiam: marshaling inline policy")
	}
	_, err = b.Client.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
		RoleName:       aws.String(desired.RoleName),
		PolicyName:     aws.String(InlinePolicyName),
		PolicyDocument: aws.String(string(doc)),
	})
	if err != nil {
		return errors.Wrap(err, "cloudiam: PutRolePolicy")
	}
	return nil
}

func mergePolicy(baseline, extra []statement) []statement {
	merged := make([]statement, 0, len(baseline)+len(extra))
	merged = append(merged, baseline...)
	merged = append(merged, extra...)
	return merged
}

func (b *boundReconciler) Tag(ctx context.Context, existing *Role, desired Desired) error {
	if len(desired.Tags) == 0 {
		return nil
	}
	tags := make([]iamtypes.Tag, 0, len(desired.Tags))
	for k, v := range desired.Tags {
		tags = append(tags, iamtypes.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	_, err := b.Client.TagRole(ctx, &iam.TagRoleInput{
		RoleName: aws.String(desired.RoleName),
		Tags:     tags,
	})
	if err != nil {
		return errors.Wrap(err, "cloudiam: TagRole")
	}
	return nil
}

// Dispose implements spec.md §4.H's dispose path: delete the inline policy
// then the role.
func (r *Reconciler) Dispose(ctx context.Context, roleName string) error {
	_, err := r.Client.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
		RoleName:   aws.String(roleName),
		PolicyName: aws.String(InlinePolicyName),
	})
	if err != nil && !isNoSuchEntity(err) {
		return errors.Wrap(err, "cloudiam: DeleteRolePolicy")
	}
	if _, err := r.Client.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(roleName)}); err != nil && !isNoSuchEntity(err) {
		return errors.Wrap(err, "cloudiam: DeleteRole")
	}
	return nil
}

func isNoSuchEntity(err error) bool {
	var nse *iamtypes.NoSuchEntityException
	return goerrors.As(err, &nse)
}
