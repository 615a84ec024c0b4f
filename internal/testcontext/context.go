// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

// Package testcontext implements convenience context for testing.
package testcontext

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// Context is a context that tracks test goroutines and temporary files,
// failing the test when either misbehaves.
type Context struct {
	context.Context
	group *errgroup.Group
	test  testing.TB

	once      sync.Once
	directory string
}

// New creates a new test context.
func New(test testing.TB) *Context {
	group, ctx := errgroup.WithContext(context.Background())
	return &Context{
		Context: ctx,
		group:   group,
		test:    test,
	}
}

// NewWithTimeout creates a new test context with a timeout.
func NewWithTimeout(test testing.TB, timeout time.Duration) *Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	group, ctx := errgroup.WithContext(ctx)
	tctx := &Context{
		Context: ctx,
		group:   group,
		test:    test,
	}
	test.Cleanup(cancel)
	return tctx
}

// Go runs fn in a goroutine.
// Call Wait to check the result.
func (ctx *Context) Go(fn func() error) {
	ctx.test.Helper()
	ctx.group.Go(fn)
}

// Check calls fn and fails the test on error.
func (ctx *Context) Check(fn func() error) {
	ctx.test.Helper()
	err := fn()
	if err != nil {
		ctx.test.Fatal(err)
	}
}

// Dir returns a directory path inside temp.
func (ctx *Context) Dir(subs ...string) string {
	ctx.test.Helper()

	ctx.once.Do(func() {
		var err error
		ctx.directory, err = ioutil.TempDir("", ctx.test.Name())
		if err != nil {
			ctx.test.Fatal(err)
		}
	})

	dir := filepath.Join(append([]string{ctx.directory}, subs...)...)
	_ = os.MkdirAll(dir, 0744)
	return dir
}

// File returns a filepath inside temp.
func (ctx *Context) File(subs ...string) string {
	ctx.test.Helper()

	if len(subs) == 0 {
		ctx.test.Fatal("expected more than one argument")
	}

	dir := ctx.Dir(subs[:len(subs)-1]...)
	return filepath.Join(dir, subs[len(subs)-1])
}

// Cleanup waits for everything to complete, checks errors and removes the
// temporary directory.
func (ctx *Context) Cleanup() {
	ctx.test.Helper()

	defer ctx.deleteTemporary()
	err := ctx.group.Wait()
	if err != nil {
		ctx.test.Fatal(err)
	}
}

func (ctx *Context) deleteTemporary() {
	if ctx.directory == "" {
		return
	}
	err := os.RemoveAll(ctx.directory)
	if err != nil {
		ctx.test.Fatal(err)
	}
}
