// Package imageresolver canonicalizes an (edition, tag) pair into a
// full Docker image reference. The community and enterprise editions
// are published under different registry organizations; a resolver
// that uses one namespace for both fails with "image not found" at
// pull time, so this mapping is part of the contract, not an
// implementation detail.
package imageresolver

import (
	"fmt"

	"github.com/intersystems-community/iris-devtester/internal/config"
	"github.com/intersystems-community/iris-devtester/internal/diagnostics"
)

const (
	communityRepository  = "intersystemsdc/iris-community"
	enterpriseRepository = "intersystems/iris"
)

// Resolve maps edition and tag to a full image reference. edition must
// already have passed config.ContainerConfig.Validate(); any other
// edition value is a validation error and must be rejected at that
// earlier layer, not here.
func Resolve(edition config.Edition, tag string) (string, error) {
	if tag == "" {
		tag = config.DefaultImageTag
	}

	var repository string
	switch edition {
	case config.EditionCommunity:
		repository = communityRepository
	case config.EditionEnterprise:
		repository = enterpriseRepository
	default:
		return "", diagnostics.New(diagnostics.KindInvalidConfig,
			fmt.Sprintf("unknown edition %q", edition),
			map[string]string{"edition": string(edition)},
			"set edition to \"community\" or \"enterprise\"",
			"iris-devtester#invalid-edition")
	}

	return fmt.Sprintf("%s:%s", repository, tag), nil
}
