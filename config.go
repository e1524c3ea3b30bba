package scm

import (
	"strings"
)

// LocalSystem is the account interactive services must run under
const LocalSystem = "LocalSystem"

// Config is the persisted configuration of one service
type Config struct {
	ServiceType  ServiceType  `yaml:"service_type" json:"service_type"`
	StartType    StartType    `yaml:"start_type" json:"start_type"`
	ErrorControl ErrorControl `yaml:"error_control" json:"error_control"`
	// BinaryPath is the command line of the service, possibly holding
	// %VAR% environment references.
	BinaryPath        string   `yaml:"binary_path" json:"binary_path"`
	LoadOrderGroup    string   `yaml:"load_order_group,omitempty" json:"load_order_group,omitempty"`
	TagID             uint32   `yaml:"tag_id,omitempty" json:"tag_id,omitempty"`
	Dependencies      []string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	GroupDependencies []string `yaml:"group_dependencies,omitempty" json:"group_dependencies,omitempty"`
	ServiceStartName  string   `yaml:"service_start_name,omitempty" json:"service_start_name,omitempty"`
	DisplayName       string   `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	Description       string   `yaml:"description,omitempty" json:"description,omitempty"`
	// PreshutdownTimeout is in milliseconds
	PreshutdownTimeout uint32 `yaml:"preshutdown_timeout" json:"preshutdown_timeout"`
}

// clone returns a deep copy so candidates never alias the live slices
func (c Config) clone() Config {
	c.Dependencies = append([]string(nil), c.Dependencies...)
	c.GroupDependencies = append([]string(nil), c.GroupDependencies...)
	return c
}

// ConfigChange carries the fields to modify in ChangeServiceConfig.
// Nil fields are left unchanged.
type ConfigChange struct {
	ServiceType      *ServiceType  `json:"service_type,omitempty"`
	StartType        *StartType    `json:"start_type,omitempty"`
	ErrorControl     *ErrorControl `json:"error_control,omitempty"`
	BinaryPath       *string       `json:"binary_path,omitempty"`
	LoadOrderGroup   *string       `json:"load_order_group,omitempty"`
	TagID            *uint32       `json:"tag_id,omitempty"`
	Dependencies     []string      `json:"dependencies,omitempty"`
	ServiceStartName *string       `json:"service_start_name,omitempty"`
	Password         *string       `json:"password,omitempty"`
	DisplayName      *string       `json:"display_name,omitempty"`
}

// InfoLevel selects the optional configuration block of
// QueryServiceConfig2 and ChangeServiceConfig2
type InfoLevel uint32

// Info levels
const (
	InfoDescription    InfoLevel = 1
	InfoFailureActions InfoLevel = 2
	InfoPreshutdown    InfoLevel = 7
)

// ConfigInfo is an optional configuration block
type ConfigInfo struct {
	Level              InfoLevel `json:"level"`
	Description        string    `json:"description,omitempty"`
	PreshutdownTimeout uint32    `json:"preshutdown_timeout,omitempty"`
}

// validServiceName reports whether name may be used as a service key
func validServiceName(name string) bool {
	if len(name) > MaxServiceNameLength {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

// splitDependencies separates a dependency list into services and groups.
// A leading '+' names a load order group.
func splitDependencies(deps []string) (services, groups []string, err error) {
	for _, d := range deps {
		switch {
		case d == "":
			return nil, nil, ErrInvalidParameter
		case len(d) > 1 && d[0] == '+':
			groups = append(groups, d[1:])
		default:
			services = append(services, d)
		}
	}
	return services, groups, nil
}

// validate checks the configuration as a whole
func (c *Config) validate() bool {
	if c.ServiceType.IsWin32() && c.BinaryPath == "" {
		return false
	}

	switch c.ServiceType {
	case ServiceKernelDriver, ServiceFileSystemDriver, ServiceWin32OwnProcess, ServiceWin32ShareProcess:
	case ServiceWin32OwnProcess | ServiceInteractive, ServiceWin32ShareProcess | ServiceInteractive:
		if c.ServiceStartName != "" && !strings.EqualFold(c.ServiceStartName, LocalSystem) {
			return false
		}
	default:
		return false
	}

	if c.StartType > StartDisabled {
		return false
	}
	if (c.StartType == StartBoot || c.StartType == StartSystem) && c.ServiceType.IsWin32() {
		return false
	}
	if c.ErrorControl > ErrorCritical {
		return false
	}

	if c.ServiceType.IsWin32() && c.ServiceStartName == "" {
		c.ServiceStartName = LocalSystem
	}
	return true
}

// apply builds the candidate configuration resulting from ch
func (c Config) apply(ch ConfigChange) (Config, error) {
	n := c.clone()
	if ch.ServiceType != nil {
		n.ServiceType = *ch.ServiceType
	}
	if ch.StartType != nil {
		n.StartType = *ch.StartType
	}
	if ch.ErrorControl != nil {
		n.ErrorControl = *ch.ErrorControl
	}
	if ch.BinaryPath != nil {
		n.BinaryPath = *ch.BinaryPath
	}
	if ch.LoadOrderGroup != nil {
		n.LoadOrderGroup = *ch.LoadOrderGroup
	}
	if ch.ServiceStartName != nil {
		n.ServiceStartName = *ch.ServiceStartName
	}
	if ch.DisplayName != nil {
		n.DisplayName = *ch.DisplayName
	}
	if ch.Dependencies != nil {
		services, groups, err := splitDependencies(ch.Dependencies)
		if err != nil {
			return c, err
		}
		n.Dependencies, n.GroupDependencies = services, groups
	}
	if !n.validate() {
		return c, ErrInvalidParameter
	}
	return n, nil
}
