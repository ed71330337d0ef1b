package cloudlambda

import (
	"context"
	goerrors "errors"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/pkg/errors"
)

// FunctionURLAllowPublicAccessSid and FunctionURLInvokeAllowPublicAccessSid
// are the two resource-policy statement IDs spec.md §4.J requires before a
// function URL is considered publicly reachable.
const (
	FunctionURLAllowPublicAccessSid       = "FunctionURLAllowPublicAccess"
	FunctionURLInvokeAllowPublicAccessSid = "FunctionURLInvokeAllowPublicAccess"
)

var qualifierSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Qualifier implements spec.md §4.J's qualifier/alias naming rule. sandbox
// is true when the image has no alias (qualifier is always "$LATEST");
// otherwise qualifier derives from tag, falling back to digest with
// "sha256:" replaced by "sha256-" and truncated to 12 hex characters.
func Qualifier(sandbox bool, tag, digest string) string {
	if sandbox {
		return "$LATEST"
	}
	raw := tag
	if raw == "" {
		raw = strings.Replace(digest, "sha256:", "sha256-", 1)
		if hex, ok := strings.CutPrefix(raw, "sha256-"); ok {
			if len(hex) > 12 {
				hex = hex[:12]
			}
			raw = "sha256-" + hex
		}
	}
	return qualifierSanitizer.ReplaceAllString(raw, "_")
}

// AliasDesired is the desired state for the alias/URL/permission trio.
type AliasDesired struct {
	FunctionArn     string
	FunctionName    string
	Qualifier       string
	FunctionVersion string
}

// AliasState is the observed shape produced by the alias reconciler.
type AliasState struct {
	AliasArn    string
	FunctionUrl string
}

// AliasReconciler implements spec.md §4.J's three-step idempotent
// reconciliation: alias, function URL, public-invoke permissions.
type AliasReconciler struct {
	Client LambdaAPI
}

// Reconcile runs the alias -> URL -> permission sequence and returns the
// resulting AliasState.
func (r *AliasReconciler) Reconcile(ctx context.Context, desired AliasDesired) (*AliasState, error) {
	aliasArn, err := r.reconcileAlias(ctx, desired)
	if err != nil {
		return nil, err
	}
	functionURL, err := r.reconcileFunctionURL(ctx, desired)
	if err != nil {
		return nil, err
	}
	if err := r.reconcilePermissions(ctx, desired); err != nil {
		return nil, err
	}
	return &AliasState{AliasArn: aliasArn, FunctionUrl: functionURL}, nil
}

func (r *AliasReconciler) reconcileAlias(ctx context.Context, desired AliasDesired) (string, error) {
	out, err := r.Client.UpdateAlias(ctx, &lambda.UpdateAliasInput{
		FunctionName:    aws.String(desired.FunctionName),
		Name:            aws.String(desired.Qualifier),
		FunctionVersion: aws.String(desired.FunctionVersion),
	})
	if err != nil {
		if !isResourceNotFound(err) {
			return "", errors.Wrap(err, "cloudlambda: UpdateAlias")
		}
		created, cerr := r.Client.CreateAlias(ctx, &lambda.CreateAliasInput{
			FunctionName:    aws.String(desired.FunctionName),
			Name:            aws.String(desired.Qualifier),
			FunctionVersion: aws.String(desired.FunctionVersion),
		})
		if cerr != nil {
			return "", errors.Wrap(cerr, "cloudlambda: CreateAlias")
		}
		return aws.ToString(created.AliasArn), nil
	}
	return aws.ToString(out.AliasArn), nil
}

func (r *AliasReconciler) reconcileFunctionURL(ctx context.Context, desired AliasDesired) (string, error) {
	cors := &lambdatypes.Cors{
		AllowCredentials: aws.Bool(true),
		AllowHeaders:     []string{"*"},
		AllowMethods:     []string{"*"},
		AllowOrigins:     []string{"*"},
		ExposeHeaders:    []string{"*"},
		MaxAge:           aws.Int32(3600),
	}
	out, err := r.Client.UpdateFunctionUrlConfig(ctx, &lambda.UpdateFunctionUrlConfigInput{
		FunctionName: aws.String(desired.FunctionName),
		Qualifier:    aws.String(desired.Qualifier),
		AuthType:     lambdatypes.FunctionUrlAuthTypeNone,
		InvokeMode:   lambdatypes.InvokeModeResponseStream,
		Cors:         cors,
	})
	if err != nil {
		if !isResourceNotFound(err) {
			return "", errors.Wrap(err, "cloudlambda: UpdateFunctionUrlConfig")
		}
		created, cerr := r.Client.CreateFunctionUrlConfig(ctx, &lambda.CreateFunctionUrlConfigInput{
			FunctionName: aws.String(desired.FunctionName),
			Qualifier:    aws.String(desired.Qualifier),
			AuthType:     lambdatypes.FunctionUrlAuthTypeNone,
			InvokeMode:   lambdatypes.InvokeModeResponseStream,
			Cors:         cors,
		})
		if cerr != nil {
			return "", errors.Wrap(cerr, "cloudlambda: CreateFunctionUrlConfig")
		}
		return aws.ToString(created.FunctionUrl), nil
	}
	return aws.ToString(out.FunctionUrl), nil
}

func (r *AliasReconciler) reconcilePermissions(ctx context.Context, desired AliasDesired) error {
	aliasQualified := desired.FunctionArn
	policy, err := r.Client.GetPolicy(ctx, &lambda.GetPolicyInput{
		FunctionName: aws.String(aliasQualified),
		Qualifier:    aws.String(desired.Qualifier),
	})
	var sids map[string]bool
	if err != nil {
		if !isResourceNotFound(err) {
			return errors.Wrap(err, "cloudlambda: GetPolicy")
		}
		sids = map[string]bool{}
	} else {
		sids = extractSids(aws.ToString(policy.Policy))
	}

	if !sids[FunctionURLAllowPublicAccessSid] {
		_, err := r.Client.AddPermission(ctx, &lambda.AddPermissionInput{
			FunctionName:        aws.String(desired.FunctionName),
			Qualifier:           aws.String(desired.Qualifier),
			StatementId:         aws.String(FunctionURLAllowPublicAccessSid),
			Action:              aws.String("lambda:InvokeFunctionUrl"),
			Principal:           aws.String("*"),
			FunctionUrlAuthType: lambdatypes.FunctionUrlAuthTypeNone,
		})
		if err != nil && !isResourceConflict(err) {
			return errors.Wrap(err, "cloudlambda: AddPermission (function-url)")
		}
	}

	if !sids[FunctionURLInvokeAllowPublicAccessSid] {
		_, err := r.Client.AddPermission(ctx, &lambda.AddPermissionInput{
			FunctionName:        aws.String(desired.FunctionName),
			Qualifier:           aws.String(desired.Qualifier),
			StatementId:         aws.String(FunctionURLInvokeAllowPublicAccessSid),
			Action:              aws.String("lambda:InvokeFunction"),
			Principal:           aws.String("*"),
			FunctionUrlAuthType: lambdatypes.FunctionUrlAuthTypeNone,
		})
		if err != nil && !isResourceConflict(err) {
			return errors.Wrap(err, "cloudlambda: AddPermission (invoke)")
		}
	}
	return nil
}

// extractSids lightly scans a resource policy JSON document for statement
// Sid values, avoiding a full IAM-policy-document type for a single field.
func extractSids(policy string) map[string]bool {
	sids := map[string]bool{}
	const marker = `"Sid":"`
	rest := policy
	for {
		idx := strings.Index(rest, marker)
		if idx == -1 {
			break
		}
		rest = rest[idx+len(marker):]
		end := strings.Index(rest, `"`)
		if end == -1 {
			break
		}
		sids[rest[:end]] = true
		rest = rest[end:]
	}
	return sids
}

// Dispose removes the alias, per spec.md §4.J's container delete path: this
// cascades to the function URL config and attached permissions.
func (r *AliasReconciler) Dispose(ctx context.Context, functionName, qualifier string) error {
	_, err := r.Client.DeleteAlias(ctx, &lambda.DeleteAliasInput{
		FunctionName: aws.String(functionName),
		Name:         aws.String(qualifier),
	})
	if err != nil && !isResourceNotFound(err) {
		return errors.Wrap(err, "cloudlambda: DeleteAlias")
	}
	return nil
}

func isResourceConflict(err error) bool {
	var conflict *lambdatypes.ResourceConflictException
	return goerrors.As(err, &conflict)
}
