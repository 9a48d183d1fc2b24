// Package config holds the validated, immutable ContainerConfig value
// the rest of the core consumes. Validation happens once, in
// Validate, before any external effect. Besides validation, the
// package fills defaults (WithDefaults) and environment-variable
// fallbacks (ApplyEnvDefaults in env.go); config-file loading is not
// implemented in this module, and CLI flag binding lives in
// cmd/irisdevtester.
package config

import (
	"fmt"
	"regexp"

	"github.com/intersystems-community/iris-devtester/internal/diagnostics"
)

// Edition is the publishing flavor of the database product.
type Edition string

const (
	EditionCommunity  Edition = "community"
	EditionEnterprise Edition = "enterprise"
)

// Values returns all possible Edition values.
func (Edition) Values() []string {
	return []string{string(EditionCommunity), string(EditionEnterprise)}
}

// MountMode is the access mode of a volume mount.
type MountMode string

const (
	ModeRW MountMode = "rw"
	ModeRO MountMode = "ro"
)

// Values returns all possible MountMode values.
func (MountMode) Values() []string {
	return []string{string(ModeRW), string(ModeRO)}
}

// VolumeMount is a single (hostPath, containerPath, mode) mount
// specification.
type VolumeMount struct {
	HostPath      string
	ContainerPath string
	Mode          MountMode
}

var (
	nameRE      = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
	namespaceRE = regexp.MustCompile(`^[A-Z][A-Z0-9%]*$`)
)

// Defaults mirror spec.md §3.
const (
	DefaultContainerName = "iris_db"
	DefaultPrimaryPort   = 1972
	DefaultWebPort       = 52773
	DefaultNamespace     = "USER"
	DefaultPassword      = "SYS"
	DefaultImageTag      = "latest"

	minPort = 1024
	maxPort = 65535
)

// ContainerConfig is a value type, constructed once per operation and
// never mutated after Validate succeeds.
type ContainerConfig struct {
	Edition       Edition
	ContainerName string
	PrimaryPort   int
	WebPort       int
	Namespace     string
	Password      string
	LicenseKey    string
	Volumes       []VolumeMount
	ImageTag      string

	// ImageRef, when set, is a full image reference (registry/repo:tag
	// or digest) that overrides the edition-derived image entirely.
	// ImageTag is ignored once this is set.
	ImageRef string

	// ProjectPath is the caller's working directory, used as the
	// PortRegistry key. It is not part of the spec's ContainerConfig
	// entity proper but is required by every operation that touches
	// the registry, so it travels alongside the config.
	ProjectPath string
}

// WithDefaults returns a copy of c with zero-valued fields replaced by
// their spec-mandated defaults. It does not validate.
func (c ContainerConfig) WithDefaults() ContainerConfig {
	if c.ContainerName == "" {
		c.ContainerName = DefaultContainerName
	}
	if c.PrimaryPort == 0 {
		c.PrimaryPort = DefaultPrimaryPort
	}
	if c.WebPort == 0 {
		c.WebPort = DefaultWebPort
	}
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.Password == "" {
		c.Password = DefaultPassword
	}
	if c.ImageTag == "" {
		c.ImageTag = DefaultImageTag
	}
	volumes := make([]VolumeMount, len(c.Volumes))
	for i, v := range c.Volumes {
		if v.Mode == "" {
			v.Mode = ModeRW
		}
		volumes[i] = v
	}
	c.Volumes = volumes
	return c
}

// Validate performs every check in spec.md §3 and fails before any
// external effect. It does not mutate c.
func (c ContainerConfig) Validate() error {
	switch c.Edition {
	case EditionCommunity, EditionEnterprise:
	default:
		return diagnostics.New(diagnostics.KindInvalidConfig,
			fmt.Sprintf("unknown edition %q", c.Edition),
			map[string]string{"edition": string(c.Edition)},
			"set edition to \"community\" or \"enterprise\"",
			"iris-devtester#invalid-edition")
	}

	if !nameRE.MatchString(c.ContainerName) {
		return diagnostics.New(diagnostics.KindInvalidConfig,
			fmt.Sprintf("invalid container name %q", c.ContainerName),
			map[string]string{"containerName": c.ContainerName},
			`container names must match ^[A-Za-z0-9][A-Za-z0-9_.-]*$`,
			"iris-devtester#invalid-name")
	}

	if err := validatePort(c.PrimaryPort, "primaryPort"); err != nil {
		return err
	}
	if err := validatePort(c.WebPort, "webPort"); err != nil {
		return err
	}

	if !namespaceRE.MatchString(c.Namespace) {
		return diagnostics.New(diagnostics.KindInvalidConfig,
			fmt.Sprintf("invalid namespace %q", c.Namespace),
			map[string]string{"namespace": c.Namespace},
			`namespaces must match ^[A-Z][A-Z0-9%]*$`,
			"iris-devtester#invalid-namespace")
	}

	if c.Password == "" {
		return diagnostics.New(diagnostics.KindInvalidConfig,
			"password must not be empty",
			nil,
			"set a non-empty password",
			"iris-devtester#invalid-password")
	}

	if c.Edition == EditionEnterprise && c.LicenseKey == "" {
		return diagnostics.New(diagnostics.KindInvalidConfig,
			"enterprise edition requires a license key",
			map[string]string{"edition": string(c.Edition)},
			"set licenseKey, or switch to edition \"community\"",
			"iris-devtester#missing-license")
	}

	if c.ImageTag == "" {
		return diagnostics.New(diagnostics.KindInvalidConfig,
			"imageTag must not be empty",
			nil,
			"set imageTag, or omit it to use the default \"latest\"",
			"iris-devtester#invalid-tag")
	}

	for i, v := range c.Volumes {
		if v.HostPath == "" || v.ContainerPath == "" {
			return diagnostics.New(diagnostics.KindInvalidConfig,
				fmt.Sprintf("volume %d is missing a host or container path", i),
				map[string]string{"index": fmt.Sprintf("%d", i)},
				"set both hostPath and containerPath",
				"iris-devtester#invalid-volume")
		}
		if v.Mode != "" && v.Mode != ModeRW && v.Mode != ModeRO {
			return diagnostics.New(diagnostics.KindInvalidConfig,
				fmt.Sprintf("volume %d has invalid mode %q", i, v.Mode),
				map[string]string{"index": fmt.Sprintf("%d", i), "mode": string(v.Mode)},
				`mode must be "rw" or "ro"`,
				"iris-devtester#invalid-volume-mode")
		}
	}

	return nil
}

func validatePort(port int, field string) error {
	if port < minPort || port > maxPort {
		return diagnostics.New(diagnostics.KindInvalidConfig,
			fmt.Sprintf("%s %d out of range [%d, %d]", field, port, minPort, maxPort),
			map[string]string{"field": field, "value": fmt.Sprintf("%d", port)},
			fmt.Sprintf("choose a port between %d and %d", minPort, maxPort),
			"iris-devtester#invalid-port")
	}
	return nil
}
