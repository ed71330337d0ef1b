package controller

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/scaffoldly/rowdy/cloudiam"
	"github.com/scaffoldly/rowdy/cloudlambda"
	"github.com/scaffoldly/rowdy/internal/cell"
)

// Desired is the slice of the Desired Function Bundle (spec.md §3) the
// controller needs to converge a single image's cloud resources.
type Desired struct {
	RoleName        string
	RoleDescription string
	RoleStatements  []cloudiam.RoleStatement

	FunctionName string
	ImageURI     string
	Memory       int64
	Entrypoint   []string
	Command      []string
	WorkingDir   string
	Environment  map[string]string
	Tags         map[string]string

	// Sandbox is true when the image has no alias; the qualifier is
	// always "$LATEST" in that case, per spec.md §4.J.
	Sandbox bool
	Tag     string
	Digest  string
}

// Driver composes H, I, and J behind a single observable State, per
// spec.md §4.K.
type Driver struct {
	Role     *cloudiam.Reconciler
	Function *cloudlambda.Reconciler
	Alias    *cloudlambda.AliasReconciler

	state *cell.Cell[State]
}

// NewDriver returns a Driver with a fresh, empty observable state cell.
func NewDriver(role *cloudiam.Reconciler, function *cloudlambda.Reconciler, alias *cloudlambda.AliasReconciler) *Driver {
	return &Driver{Role: role, Function: function, Alias: alias, state: cell.New[State]()}
}

// Observe runs one full convergence pass: (1) the role is created or read
// first and the function is created or updated after it, since the function
// needs the role ARN; the two do not run in parallel. (2) Updates run in
// strict sequence (policy -> config/code/version -> alias -> url ->
// permissions). (3) There is no separate parallel tagging step: each
// reconciler tags its own resource inside its pass. The pass finishes
// before Observe returns, and a failing step is returned as the error. On
// success the returned channel replays the latest State and then streams
// every later update; it is closed when ctx is done, not when the pass
// finishes.
func (d *Driver) Observe(ctx context.Context, desired Desired) (<-chan State, error) {
	roleDesired := cloudiam.Desired{
		RoleName:       desired.RoleName,
		Description:    desired.RoleDescription,
		RoleStatements: desired.RoleStatements,
		Tags:           desired.Tags,
	}
	var role *cloudiam.Role
	var fn *cloudlambda.Function

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := d.Role.Reconcile(gctx, roleDesired)
		if err != nil {
			return errors.Wrap(err, "controller: reconcile role")
		}
		role = r
		d.publish(stateFromRole(d.current(), role))
		return nil
	})
	// The function create step needs the role ARN, so it waits on that
	// narrow dependency even though both are otherwise independent create
	// calls; this still matches spec.md §4.K's "share no fields" guidance
	// for the rest of their lifecycle.
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if role == nil {
		return nil, errors.New("controller: role reconciliation returned no role")
	}

	functionDesired := cloudlambda.Desired{
		FunctionName: desired.FunctionName,
		ImageURI:     desired.ImageURI,
		RoleArn:      role.RoleArn,
		Memory:       desired.Memory,
		Entrypoint:   desired.Entrypoint,
		Command:      desired.Command,
		WorkingDir:   desired.WorkingDir,
		Environment:  desired.Environment,
		Tags:         desired.Tags,
	}
	fn, err := d.Function.Reconcile(ctx, functionDesired)
	if err != nil {
		return nil, errors.Wrap(err, "controller: reconcile function")
	}
	d.publish(stateFromFunction(d.current(), fn))

	qualifier := cloudlambda.Qualifier(desired.Sandbox, desired.Tag, desired.Digest)

	// A sandbox is $LATEST with no alias, no function URL, and no public
	// invoke permissions, per the Sandbox vs Container distinction: those
	// steps only apply to container (alias-bearing) resources, and AWS
	// rejects an alias qualified by "$LATEST" outright.
	if desired.Sandbox {
		d.publish(stateFromAlias(d.current(), qualifier, nil))
		return d.state.Subscribe(ctx.Done()), nil
	}

	aliasDesired := cloudlambda.AliasDesired{
		FunctionArn:     fn.FunctionArn,
		FunctionName:    fn.FunctionName,
		Qualifier:       qualifier,
		FunctionVersion: fn.FunctionVersion,
	}
	alias, err := d.Alias.Reconcile(ctx, aliasDesired)
	if err != nil {
		return nil, errors.Wrap(err, "controller: reconcile alias")
	}
	d.publish(stateFromAlias(d.current(), qualifier, alias))

	return d.state.Subscribe(ctx.Done()), nil
}

// Delete implements spec.md §4.J's two delete paths. For a container
// (alias-bearing) resource, only the alias is removed (cascading to the
// URL and permissions); for a sandbox, the function is removed, then the
// inline role policy, then the role.
func (d *Driver) Delete(ctx context.Context, desired Desired) (<-chan State, error) {
	qualifier := cloudlambda.Qualifier(desired.Sandbox, desired.Tag, desired.Digest)

	if !desired.Sandbox {
		if err := d.Alias.Dispose(ctx, desired.FunctionName, qualifier); err != nil {
			return nil, errors.Wrap(err, "controller: dispose alias")
		}
		s := d.current()
		s.AliasArn = ""
		s.FunctionUrl = ""
		d.publish(s)
		return d.state.Subscribe(ctx.Done()), nil
	}

	if err := d.Function.Dispose(ctx, desired.FunctionName); err != nil {
		return nil, errors.Wrap(err, "controller: dispose function")
	}
	if err := d.Role.Dispose(ctx, desired.RoleName); err != nil {
		return nil, errors.Wrap(err, "controller: dispose role")
	}
	d.publish(State{})
	return d.state.Subscribe(ctx.Done()), nil
}

func (d *Driver) current() State {
	s, _ := d.state.Get()
	return s
}

func (d *Driver) publish(s State) {
	d.state.Set(s)
}
