// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package instance

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_AcquireRelease(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Dir: dir, Name: "test"})

	require.NoError(t, l.Acquire())
	assert.True(t, l.held)
	assert.Equal(t, os.Getpid(), l.readHolderPID())
	assert.Equal(t, filepath.Join(dir, "test.lock"), l.Path())

	require.NoError(t, l.Acquire(), "re-acquire is a no-op")

	require.NoError(t, l.Release())
	assert.False(t, l.held)
	assert.Zero(t, l.readHolderPID())
	assert.FileExists(t, l.Path())

	require.NoError(t, l.Release(), "double release is safe")
}

func TestLock_SecondHolderRejected(t *testing.T) {
	dir := t.TempDir()
	first := New(Config{Dir: dir, Name: "test"})
	second := New(Config{Dir: dir, Name: "test"})

	require.NoError(t, first.Acquire())
	defer first.Release()

	// flock locks belong to the open file description, so a second open in
	// the same process conflicts just like another process would.
	err := second.Acquire()
	var held *LockHeldError
	require.True(t, errors.As(err, &held), "got %v", err)
	assert.Equal(t, os.Getpid(), held.HolderPID)
	assert.Contains(t, err.Error(), "another hostops instance")
	assert.False(t, second.held)

	require.NoError(t, first.Release())
	require.NoError(t, second.Acquire())
	require.NoError(t, second.Release())
}

func TestLock_Defaults(t *testing.T) {
	l := New(Config{})
	assert.Equal(t, filepath.Join(os.TempDir(), "hostops.lock"), l.Path())
}

func TestLock_UnwritableDir(t *testing.T) {
	l := New(Config{Dir: filepath.Join(t.TempDir(), "missing"), Name: "x"})
	err := l.Acquire()
	require.Error(t, err)
	var held *LockHeldError
	assert.False(t, errors.As(err, &held))
}

func TestLockHeldError_WithoutPID(t *testing.T) {
	err := &LockHeldError{LockPath: "/tmp/x.lock"}
	assert.Equal(t, "another hostops instance is running (check: lsof /tmp/x.lock)", err.Error())
}
