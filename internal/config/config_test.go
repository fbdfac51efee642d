// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestNoInterferenceRejected(t *testing.T) {
	s := Default()
	s.NoInterference = true
	assert.Error(t, s.Validate())
}

func TestUnknownScheduler(t *testing.T) {
	s := Default()
	s.Scheduler = "bogus"
	assert.Error(t, s.Validate())
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	s, err := Load("")
	assert.NoError(t, err)
	assert.Equal(t, Default(), s)
}
