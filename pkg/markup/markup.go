// Package markup extracts typed operations from the tool-invocation
// tags embedded in model responses.
//
// The grammar is deliberately permissive: unknown tags pass through as
// narration, malformed tags are skipped, and one bad tag never fails
// the rest of the response. Self-closing tags carry only attributes;
// block tags carry attributes plus a body between open and close
// markers. Attributes may appear in any order and bare flags need no
// value.
package markup

// OpKind distinguishes the operation variants produced by the parser.
type OpKind int

const (
	OpUpsert OpKind = iota
	OpDelete
	OpRead
)

func (k OpKind) String() string {
	switch k {
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	case OpRead:
		return "read"
	default:
		return "unknown"
	}
}

// EntityOp is one operation against a memory, task, goal or vault
// collection.
type EntityOp struct {
	Kind    OpKind
	ID      string
	Heading string
	Content string
	Notes   string
	Status  string // tasks only
	Limit   int    // vault reads: optional character cap, 0 = unlimited

	// HasBody and HasNotes distinguish "attribute absent" from
	// "attribute empty" so notes-only patches can be detected.
	HasBody  bool
	HasNotes bool
}

// ScriptOp is one code block queued for sandbox execution.
type ScriptOp struct {
	Code           string
	TimeoutSeconds int // 0 means the configured default
}

// FinalOutputOp carries a candidate final deliverable.
type FinalOutputOp struct {
	HTML string
}

// OperationSet is everything extracted from one model response.
// Narration is the response text with every recognized tag stripped.
type OperationSet struct {
	Memories     []EntityOp
	Tasks        []EntityOp
	Goals        []EntityOp
	Vault        []EntityOp
	Scripts      []ScriptOp
	FinalOutputs []FinalOutputOp
	Narration    string
}

// Empty reports whether the set carries no operations at all.
func (s *OperationSet) Empty() bool {
	return len(s.Memories) == 0 && len(s.Tasks) == 0 && len(s.Goals) == 0 &&
		len(s.Vault) == 0 && len(s.Scripts) == 0 && len(s.FinalOutputs) == 0
}

// Count returns the total number of operations in the set.
func (s *OperationSet) Count() int {
	return len(s.Memories) + len(s.Tasks) + len(s.Goals) +
		len(s.Vault) + len(s.Scripts) + len(s.FinalOutputs)
}
