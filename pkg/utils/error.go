// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

// Package utils provides small helpers shared across packages.
package utils

// CombineErrors combines multiple errors into a single error, skipping
// nil entries. A lone error is returned as is.
func CombineErrors(errs ...error) error {
	var errlist combinedError
	for _, err := range errs {
		if err != nil {
			errlist = append(errlist, err)
		}
	}
	if len(errlist) == 0 {
		return nil
	} else if len(errlist) == 1 {
		return errlist[0]
	}
	return errlist
}

type combinedError []error

func (errs combinedError) Cause() error {
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (errs combinedError) Error() string {
	if len(errs) > 0 {
		limit := 5
		if len(errs) < limit {
			limit = len(errs)
		}
		allErrors := errs[0].Error()
		for _, err := range errs[1:limit] {
			allErrors += "\n" + err.Error()
		}
		return allErrors
	}
	return ""
}
