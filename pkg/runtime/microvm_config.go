package runtime

import (
	"path/filepath"
	"strings"
	"time"
)

// NetworkPolicyKind selects how a MicroVM may reach the network.
type NetworkPolicyKind string

const (
	NetworkDenied    NetworkPolicyKind = "denied"
	NetworkAllowList NetworkPolicyKind = "allow_list"
	NetworkDenyList  NetworkPolicyKind = "deny_list"
	NetworkFull      NetworkPolicyKind = "full"
)

// NetworkPolicy restricts outbound hosts.
type NetworkPolicy struct {
	Kind  NetworkPolicyKind `json:"kind" yaml:"kind"`
	Hosts []string          `json:"hosts,omitempty" yaml:"hosts,omitempty"`
}

// AllowsHost reports whether host may be contacted.
func (p NetworkPolicy) AllowsHost(host string) bool {
	host = strings.ToLower(host)
	switch p.Kind {
	case NetworkFull:
		return true
	case NetworkAllowList:
		return hostListed(p.Hosts, host)
	case NetworkDenyList:
		return !hostListed(p.Hosts, host)
	default:
		return false
	}
}

func hostListed(hosts []string, host string) bool {
	for _, h := range hosts {
		h = strings.ToLower(h)
		if h == host {
			return true
		}
		// "*.example.com" matches any subdomain.
		if strings.HasPrefix(h, "*.") && strings.HasSuffix(host, h[1:]) {
			return true
		}
	}
	return false
}

// FileSystemPolicyKind selects filesystem visibility inside a MicroVM.
type FileSystemPolicyKind string

const (
	FileSystemNone      FileSystemPolicyKind = "none"
	FileSystemReadOnly  FileSystemPolicyKind = "read_only"
	FileSystemReadWrite FileSystemPolicyKind = "read_write"
	FileSystemFull      FileSystemPolicyKind = "full"
)

// FileSystemPolicy restricts which paths are visible and writable.
type FileSystemPolicy struct {
	Kind  FileSystemPolicyKind `json:"kind" yaml:"kind"`
	Paths []string             `json:"paths,omitempty" yaml:"paths,omitempty"`
}

// AllowsRead reports whether path may be read.
func (p FileSystemPolicy) AllowsRead(path string) bool {
	switch p.Kind {
	case FileSystemFull:
		return true
	case FileSystemReadOnly, FileSystemReadWrite:
		return underAny(p.Paths, path)
	default:
		return false
	}
}

// AllowsWrite reports whether path may be written.
func (p FileSystemPolicy) AllowsWrite(path string) bool {
	switch p.Kind {
	case FileSystemFull:
		return true
	case FileSystemReadWrite:
		return underAny(p.Paths, path)
	default:
		return false
	}
}

func underAny(roots []string, path string) bool {
	clean := filepath.Clean(path)
	for _, root := range roots {
		r := filepath.Clean(root)
		rel, err := filepath.Rel(r, clean)
		if err != nil {
			continue
		}
		if rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)) {
			return true
		}
	}
	return false
}

// MicroVMConfig bounds a single isolated execution.
type MicroVMConfig struct {
	Timeout       time.Duration     `json:"timeout" yaml:"timeout"`
	MemoryLimitMB uint64            `json:"memory_limit_mb" yaml:"memory_limit_mb"`
	CPULimit      float64           `json:"cpu_limit" yaml:"cpu_limit"`
	Network       NetworkPolicy     `json:"network_policy" yaml:"network_policy"`
	FileSystem    FileSystemPolicy  `json:"fs_policy" yaml:"fs_policy"`
	EnvVars       map[string]string `json:"env_vars,omitempty" yaml:"env_vars,omitempty"`
}

// DefaultMicroVMConfig denies network and filesystem access.
func DefaultMicroVMConfig() MicroVMConfig {
	return MicroVMConfig{
		Timeout:       30 * time.Second,
		MemoryLimitMB: 512,
		CPULimit:      1.0,
		Network:       NetworkPolicy{Kind: NetworkDenied},
		FileSystem:    FileSystemPolicy{Kind: FileSystemNone},
		EnvVars:       map[string]string{},
	}
}
