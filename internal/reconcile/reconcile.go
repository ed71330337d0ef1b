// Package reconcile implements the generic "read -> create-or-update ->
// tag -> re-read" envelope spec.md §9 describes as CloudResource<R, O>: a
// trait/interface with read/create/update/dispose/tag methods, driven by a
// single non-generic state machine.
package reconcile

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/scaffoldly/rowdy/internal/classify"
)

// Resource describes the CRUD surface of a single idempotently reconciled
// cloud resource. R is the resource's observed shape (e.g. an IAM role
// description); O is the desired-state bundle driving the reconciliation.
type Resource[R any, O any] interface {
	// Read fetches the current resource. When it does not exist, Read
	// returns ErrNotExist (the NotFound kind, recognised by the Read
	// implementation itself).
	Read(ctx context.Context) (*R, error)
	// Create provisions the resource from the desired state.
	Create(ctx context.Context, desired O) (*R, error)
	// Update reconciles an existing resource toward the desired state.
	// Reconcile calls it only when NeedsUpdate reports true.
	Update(ctx context.Context, existing *R, desired O) (*R, error)
	// NeedsUpdate reports whether existing differs from desired, that is,
	// whether Update must run.
	NeedsUpdate(existing *R, desired O) bool
	// Tag applies the resource's tag/label set. Called on every pass after
	// the create-or-update step, also when no update was needed.
	Tag(ctx context.Context, existing *R, desired O) error
}

// ErrNotExist is returned by Read to signal the create branch should run.
// It is the only error that selects that branch: any other error from Read,
// whatever its classify kind, is returned to the caller.
var ErrNotExist = errors.New("reconcile: resource does not exist")

// Options tunes a single reconciliation pass.
type Options struct {
	// Retries bounds how many times Reconcile re-reads after a Create that
	// returned no resource and no error ("create succeeded, read lagging").
	// An error from Create, NotFound included, is returned at once without
	// a retry. Spec.md §4.K documents a typical value of 10.
	Retries int
	Name    string // for logging only
}

// Reconcile runs one full read -> create-or-update -> tag -> re-read pass.
// 401/403 classified errors are always fatal and returned immediately. A
// Create that returns no resource is followed by up to Options.Retries
// re-reads; a Create error, NotFound included, is returned without retry.
func Reconcile[R any, O any](ctx context.Context, res Resource[R, O], desired O, opts Options) (*R, error) {
	if opts.Retries <= 0 {
		opts.Retries = 10
	}
	traceID := uuid.NewString()
	log := logrus.WithField("trace", traceID).WithField("resource", opts.Name)

	existing, err := readOrNil(ctx, res)
	if err != nil {
		return nil, errors.Wrapf(err, "reconcile %s: read", opts.Name)
	}

	if existing == nil {
		log.Debugf("reconcile %s: absent, creating", opts.Name)
		created, err := res.Create(ctx, desired)
		if err != nil {
			return nil, errors.Wrapf(err, "reconcile %s: create", opts.Name)
		}
		existing = created
		// When Create returned no resource (the call may have raced a
		// concurrent observer, or the provider's control plane may lag),
		// re-read up to Retries times. A resource Create returned is used
		// as is.
		for attempt := 0; existing == nil && attempt < opts.Retries; attempt++ {
			existing, err = readOrNil(ctx, res)
			if err != nil {
				return nil, errors.Wrapf(err, "reconcile %s: read after create", opts.Name)
			}
		}
	} else if res.NeedsUpdate(existing, desired) {
		log.Debugf("reconcile %s: updating", opts.Name)
		updated, err := res.Update(ctx, existing, desired)
		if err != nil {
			return nil, errors.Wrapf(err, "reconcile %s: update", opts.Name)
		}
		existing = updated
	}

	if err := res.Tag(ctx, existing, desired); err != nil {
		return nil, errors.Wrapf(err, "reconcile %s: tag", opts.Name)
	}

	final, err := readOrNil(ctx, res)
	if err != nil {
		return nil, errors.Wrapf(err, "reconcile %s: re-read", opts.Name)
	}
	if final == nil {
		return existing, nil
	}
	return final, nil
}

func readOrNil[R any, O any](ctx context.Context, res Resource[R, O]) (*R, error) {
	v, err := res.Read(ctx)
	if err == nil {
		return v, nil
	}
	if errors.Is(err, ErrNotExist) {
		return nil, nil
	}
	if classify.FromAWSError(err) == classify.AuthFatal {
		return nil, err
	}
	return nil, err
}
