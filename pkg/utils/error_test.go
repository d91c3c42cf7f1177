// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package utils_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"keystorm.io/keystorm/pkg/utils"
)

func TestCombineErrors(t *testing.T) {
	first := errors.New("first")
	second := errors.New("second")

	assert.NoError(t, utils.CombineErrors())
	assert.NoError(t, utils.CombineErrors(nil, nil))

	// a lone error comes back untouched so callers can still compare it
	assert.Equal(t, first, utils.CombineErrors(nil, first, nil))

	combined := utils.CombineErrors(first, second)
	assert.Error(t, combined)
	assert.Contains(t, combined.Error(), "first")
	assert.Contains(t, combined.Error(), "second")
}
