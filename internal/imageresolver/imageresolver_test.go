package imageresolver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intersystems-community/iris-devtester/internal/config"
)

func TestResolveCommunityUsesCommunityNamespace(t *testing.T) {
	ref, err := Resolve(config.EditionCommunity, "2024.1")
	require.NoError(t, err)
	assert.Equal(t, "intersystemsdc/iris-community:2024.1", ref)
}

func TestResolveEnterpriseUsesEnterpriseNamespace(t *testing.T) {
	ref, err := Resolve(config.EditionEnterprise, "2024.1")
	require.NoError(t, err)
	assert.Equal(t, "intersystems/iris:2024.1", ref)
}

func TestResolveEditionsNeverShareANamespace(t *testing.T) {
	community, err := Resolve(config.EditionCommunity, "latest")
	require.NoError(t, err)
	enterprise, err := Resolve(config.EditionEnterprise, "latest")
	require.NoError(t, err)

	communityRepo := strings.SplitN(community, ":", 2)[0]
	enterpriseRepo := strings.SplitN(enterprise, ":", 2)[0]
	assert.NotEqual(t, communityRepo, enterpriseRepo)
}

func TestResolveDefaultsTagToLatest(t *testing.T) {
	ref, err := Resolve(config.EditionCommunity, "")
	require.NoError(t, err)
	assert.Equal(t, "intersystemsdc/iris-community:latest", ref)
}

func TestResolveRejectsUnknownEdition(t *testing.T) {
	_, err := Resolve(config.Edition("trial"), "latest")
	require.Error(t, err)
}
