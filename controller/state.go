// Package controller implements spec.md §4.K: the driver that composes the
// IAM role, Lambda function, and alias/URL/permission reconcilers behind a
// single observable State.
package controller

import (
	"github.com/scaffoldly/rowdy/cloudiam"
	"github.com/scaffoldly/rowdy/cloudlambda"
)

// State is the Observed Resource State of spec.md §3, snapshotted after
// every reconciliation step so Observe's subscribers always see the
// latest known value of every field.
type State struct {
	RoleName        string
	RoleArn         string
	RoleID          string
	Qualifier       string
	FunctionArn     string
	ImageUri        string
	FunctionVersion string
	AliasArn        string
	FunctionUrl     string
}

func stateFromRole(s State, role *cloudiam.Role) State {
	if role == nil {
		return s
	}
	s.RoleName = role.RoleName
	s.RoleArn = role.RoleArn
	s.RoleID = role.RoleID
	return s
}

func stateFromFunction(s State, fn *cloudlambda.Function) State {
	if fn == nil {
		return s
	}
	s.FunctionArn = fn.FunctionArn
	s.ImageUri = fn.ImageURI
	s.FunctionVersion = fn.FunctionVersion
	return s
}

func stateFromAlias(s State, qualifier string, alias *cloudlambda.AliasState) State {
	s.Qualifier = qualifier
	if alias == nil {
		return s
	}
	s.AliasArn = alias.AliasArn
	s.FunctionUrl = alias.FunctionUrl
	return s
}
