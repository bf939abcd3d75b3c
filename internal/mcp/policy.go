package mcp

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Policy controls what MCP clients may see and do. It is read from
// mcp-policy.yaml in the vault directory.
type Policy struct {
	Version       int      `yaml:"version"`
	DefaultAction string   `yaml:"default_action"`
	DeniedTools   []string `yaml:"denied_tools"`
	AllowedTools  []string `yaml:"allowed_tools"`

	// ExposeCounts lets vault_status report per-kind record counts.
	ExposeCounts bool `yaml:"expose_counts"`
}

// PolicyFileName is the name of the policy file
const PolicyFileName = "mcp-policy.yaml"

// Policy action constants
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

// ErrPolicyNotFound is returned when no policy file exists
var ErrPolicyNotFound = errors.New("mcp: policy file not found")

// ErrPolicyInsecure is returned when policy file has insecure permissions
var ErrPolicyInsecure = errors.New("mcp: policy file has insecure permissions")

// ErrPolicySymlink is returned when policy file is a symlink
var ErrPolicySymlink = errors.New("mcp: policy file is a symlink")

// ErrPolicyNotOwnedByUser is returned when policy file is not owned by current user
var ErrPolicyNotOwnedByUser = errors.New("mcp: policy file not owned by current user")

// DefaultPolicy allows every tool and hides record counts. It applies when
// no policy file exists.
func DefaultPolicy() *Policy {
	return &Policy{Version: 1, DefaultAction: ActionAllow}
}

// LoadPolicy loads the policy from the vault directory. The file is checked
// through the opened descriptor so it cannot be swapped between the checks
// and the read.
func LoadPolicy(vaultPath string) (*Policy, error) {
	policyPath := filepath.Join(vaultPath, PolicyFileName)

	f, err := openPolicyFile(policyPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("mcp: failed to stat policy file: %w", err)
	}
	if err := checkFilePermissions(info); err != nil {
		return nil, err
	}
	if err := checkFileOwnership(info); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("mcp: failed to read policy file: %w", err)
	}

	var policy Policy
	if err := yaml.Unmarshal(content, &policy); err != nil {
		return nil, fmt.Errorf("mcp: failed to parse policy file: %w", err)
	}

	// Default to deny if not specified
	if policy.DefaultAction == "" {
		policy.DefaultAction = ActionDeny
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &policy, nil
}

// Validate validates the policy configuration
func (p *Policy) Validate() error {
	if p.Version != 1 {
		return fmt.Errorf("mcp: unsupported policy version: %d", p.Version)
	}
	if p.DefaultAction != ActionDeny && p.DefaultAction != ActionAllow {
		return fmt.Errorf("mcp: invalid default_action: %s (must be '%s' or '%s')", p.DefaultAction, ActionDeny, ActionAllow)
	}
	return nil
}

// IsToolAllowed checks denied_tools, then allowed_tools, then the default
// action.
func (p *Policy) IsToolAllowed(tool string) (allowed bool, reason string) {
	for _, denied := range p.DeniedTools {
		if denied == tool {
			return false, fmt.Sprintf("tool '%s' is denied by policy", tool)
		}
	}
	for _, allowed := range p.AllowedTools {
		if allowed == tool {
			return true, ""
		}
	}
	if p.DefaultAction == ActionAllow {
		return true, ""
	}
	return false, fmt.Sprintf("tool '%s' not in allowed_tools list", tool)
}
