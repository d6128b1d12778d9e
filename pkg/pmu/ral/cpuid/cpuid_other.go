//go:build !amd64

package cpuid

import "github.com/opcm/opcmd/pkg/errors"

func query(leaf, subleaf uint32) (Result, error) {
	return Result{}, errors.Unsupported()
}
