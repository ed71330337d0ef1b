/*
Copyright 2020 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package version exposes the build-time version string every managed
// cloud resource is tagged with, per spec.md §6's
// "managed-by=<name>@<version>" namespacing.
package version

import "fmt"

// gitVersion is set by the build's -ldflags.
var gitVersion = "dev"

// Name is the managed-by identity this module tags every cloud resource
// with.
const Name = "rowdy"

// ManagedBy returns the "<name>@<version>" value for the managed-by tag.
func ManagedBy() string {
	return fmt.Sprintf("%s@%s", Name, gitVersion)
}

// UserAgent returns the value recorded under run.rowdy.user.agent.
func UserAgent() string {
	return fmt.Sprintf("%s/%s (+https://rowdy.run)", Name, gitVersion)
}
