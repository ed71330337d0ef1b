/*
Copyright 2019 The Kubernetes Authors.

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

// Command rowdy is a thin CLI over the pull and create-container
// operations; the real entry point (argument parsing proper, the HTTP
// proxy, the heartbeat loop) is an external collaborator this module does
// not implement.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/scaffoldly/rowdy"
)

type options struct {
	image           string
	name            string
	memory          int64
	defaultRegistry string
	region          string
	verbose         bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		logrus.Fatal(err)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errors.New("rowdy: expected a subcommand (pull, create)")
	}

	sub, rest := args[0], args[1:]
	switch sub {
	case "pull":
		return runPull(rest)
	case "create":
		return runCreate(rest)
	default:
		return errors.Errorf("rowdy: unknown subcommand %q", sub)
	}
}

func runPull(args []string) error {
	opts := &options{}
	fs := flag.NewFlagSet("pull", flag.ExitOnError)
	fs.StringVar(&opts.image, "image", "", "image reference to pull, e.g. mirror.gcr.io/library/alpine:latest")
	fs.StringVar(&opts.defaultRegistry, "default-registry", "registry-1.docker.io", "registry host used when image carries no explicit host segment")
	fs.StringVar(&opts.region, "region", "", "AWS region override")
	fs.BoolVar(&opts.verbose, "verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.image == "" {
		return errors.New("rowdy: -image is required")
	}
	if opts.verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	rt := &rowdy.Runtime{Config: rowdy.Config{
		DefaultRegistry: opts.defaultRegistry,
		AWSRegion:       opts.region,
	}}

	ref, err := rt.PullImage(context.Background(), opts.image, nil)
	if err != nil {
		return errors.Wrap(err, "rowdy: pull")
	}
	fmt.Println(ref)
	return nil
}

func runCreate(args []string) error {
	opts := &options{}
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	fs.StringVar(&opts.image, "image", "", "image reference to run")
	fs.StringVar(&opts.name, "name", "", "human label for the function; empty means a sandbox (no alias)")
	fs.Int64Var(&opts.memory, "memory", 128, "memory in MB")
	fs.StringVar(&opts.region, "region", "", "AWS region override")
	fs.BoolVar(&opts.verbose, "verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.image == "" {
		return errors.New("rowdy: -image is required")
	}
	if opts.verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	rt := &rowdy.Runtime{Config: rowdy.Config{AWSRegion: opts.region}}
	aliasArn, err := rt.CreateContainer(context.Background(), opts.name, opts.image, opts.memory, nil, nil, nil, nil, "")
	if err != nil {
		return errors.Wrap(err, "rowdy: create")
	}
	fmt.Println(aliasArn)
	return nil
}
