package record

import "fmt"

// ResolutionKind selects how a conflict is settled.
type ResolutionKind string

const (
	// KeepLocal re-sends the local payload against the remote revision.
	KeepLocal ResolutionKind = "keep_local"
	// KeepRemote discards local changes in favour of the remote state.
	KeepRemote ResolutionKind = "keep_remote"
	// Merge re-sends a caller-supplied payload against the remote revision.
	Merge ResolutionKind = "merge"
)

// Resolution is a caller's choice for one ConflictRecord.
type Resolution struct {
	Kind    ResolutionKind `json:"kind"`
	Payload Payload        `json:"payload,omitempty"`
}

// ResolveKeepLocal returns a KeepLocal resolution.
func ResolveKeepLocal() Resolution { return Resolution{Kind: KeepLocal} }

// ResolveKeepRemote returns a KeepRemote resolution.
func ResolveKeepRemote() Resolution { return Resolution{Kind: KeepRemote} }

// ResolveMerge returns a Merge resolution carrying payload.
func ResolveMerge(payload Payload) Resolution {
	return Resolution{Kind: Merge, Payload: payload}
}

// Validate checks the kind and that Merge carries a payload.
func (r Resolution) Validate() error {
	switch r.Kind {
	case KeepLocal, KeepRemote:
		return nil
	case Merge:
		if len(r.Payload) == 0 {
			return fmt.Errorf("merge resolution requires a payload")
		}
		return nil
	default:
		return fmt.Errorf("unknown resolution kind %q", r.Kind)
	}
}

// ParseResolutionKind converts user input into a ResolutionKind.
func ParseResolutionKind(s string) (ResolutionKind, error) {
	k := ResolutionKind(s)
	switch k {
	case KeepLocal, KeepRemote, Merge:
		return k, nil
	}
	return "", fmt.Errorf("unknown resolution kind %q (want keep_local, keep_remote or merge)", s)
}
