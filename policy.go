package fleetsync

// Policy configures conflict resolution for one table.
type Policy struct {
	// Default is the strategy for update/update conflicts. Workflow
	// fields maintained by the remote system's own triggers should stay
	// on remote_wins; tables edited only client-side may use local_wins.
	Default Strategy `yaml:"default"`

	// OnDelete is the strategy when one side deleted the record. Data
	// removal is treated as authoritative unless overridden.
	OnDelete Strategy `yaml:"on_delete"`

	// LocalFields are fields only ever edited client-side (draft notes
	// and the like). Under remote_wins they are merged back from the
	// local snapshot instead of being clobbered.
	LocalFields []string `yaml:"local_fields"`
}

// DefaultPolicy is the conservative engine-wide fallback: remote wins
// field conflicts, deletes are preserved.
func DefaultPolicy() Policy {
	return Policy{
		Default:  StrategyRemoteWins,
		OnDelete: StrategyPreserveDelete,
	}
}

func (p Policy) withDefaults() Policy {
	if p.Default == "" {
		p.Default = StrategyRemoteWins
	}
	if p.OnDelete == "" {
		p.OnDelete = StrategyPreserveDelete
	}
	return p
}

func (p Policy) isLocalField(name string) bool {
	for _, f := range p.LocalFields {
		if f == name {
			return true
		}
	}
	return false
}

// PolicySet maps tables to resolution policies with a shared fallback.
type PolicySet struct {
	tables   map[string]Policy
	fallback Policy
}

// NewPolicySet builds a PolicySet. Tables absent from the map use the
// fallback policy; empty strategy slots fall back to defaults.
func NewPolicySet(fallback Policy, tables map[string]Policy) *PolicySet {
	ps := &PolicySet{
		tables:   make(map[string]Policy, len(tables)),
		fallback: fallback.withDefaults(),
	}
	for name, p := range tables {
		ps.tables[name] = p.withDefaults()
	}
	return ps
}

// For returns the effective policy for a table.
func (ps *PolicySet) For(table string) Policy {
	if p, ok := ps.tables[table]; ok {
		return p
	}
	return ps.fallback
}
