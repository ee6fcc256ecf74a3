package model

// ExtensionExclusion keeps extensions of ExtensionType open when a host of
// HostType closes.
type ExtensionExclusion struct {
	HostType      string `yaml:"host_type" json:"host_type"`
	ExtensionType string `yaml:"extension_type" json:"extension_type"`
}

// PatientContactExclusion keeps "contact" extensions open when a "patient" host closes.
var PatientContactExclusion = ExtensionExclusion{HostType: "patient", ExtensionType: "contact"}

// DomainPolicy carries the per-domain switches consulted while processing a
// submission. It is passed explicitly into every call that needs it.
type DomainPolicy struct {
	Domain                   string
	ExtensionCasesEnabled    bool
	ExtensionCloseExclusions []ExtensionExclusion
	DemoOnly                 bool
}

// DefaultPolicy returns the policy used for domains without explicit configuration.
func DefaultPolicy(domain string) DomainPolicy {
	return DomainPolicy{Domain: domain, ExtensionCasesEnabled: true}
}

// KeepsExtensionOpen reports whether closing a host of hostType must leave an
// extension of extensionType open.
func (p DomainPolicy) KeepsExtensionOpen(hostType, extensionType string) bool {
	for _, ex := range p.ExtensionCloseExclusions {
		if ex.HostType == hostType && ex.ExtensionType == extensionType {
			return true
		}
	}
	return false
}
