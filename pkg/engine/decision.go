package engine

// Path is a terminal of the fallback decision ladder.
type Path string

const (
	// PathFetched means the mirror reflects the remote; proceed normally.
	PathFetched Path = "fetched"
	// PathDevPush means the remote was unreachable but a dev checkout can
	// feed the mirror instead.
	PathDevPush Path = "dev-push"
	// PathStaleMirror means the remote was unreachable and the run
	// proceeds from the mirror's last known state.
	PathStaleMirror Path = "stale-mirror"
	// PathNoMirror means the mirror phase was skipped entirely.
	PathNoMirror Path = "no-mirror"
	// PathAbort means no path forward exists without network access.
	PathAbort Path = "abort"
)

// DecisionInput is the environment snapshot the decision is made from.
// It carries plain facts so the decision itself stays a pure function.
type DecisionInput struct {
	// FetchOK reports whether the mirror fetch reached the remote.
	FetchOK bool
	// MirrorExists reports whether the mirror store holds usable state.
	MirrorExists bool
	// DevMode enables the dev-push fallback.
	DevMode bool
	// DevCheckoutExists reports whether a usable dev checkout is present.
	DevCheckoutExists bool
	// OfflineOK permits proceeding from a stale mirror.
	OfflineOK bool
}

// Decision is the selected path and the reason it was selected, for
// logging and the journal.
type Decision struct {
	Path   Path
	Reason string
}

// Decide selects the fallback path for one invocation. When a dev push
// later fails at runtime, the caller re-decides with DevCheckoutExists
// cleared to continue down the ladder.
func Decide(in DecisionInput) Decision {
	if in.FetchOK {
		return Decision{Path: PathFetched, Reason: "mirror fetched from remote"}
	}
	if in.DevMode && in.DevCheckoutExists {
		return Decision{Path: PathDevPush, Reason: "remote unreachable; dev checkout available"}
	}
	if in.OfflineOK {
		if in.MirrorExists {
			return Decision{Path: PathStaleMirror, Reason: "remote unreachable; proceeding from stale mirror"}
		}
		return Decision{Path: PathAbort, Reason: "remote unreachable and the mirror store does not exist yet"}
	}
	return Decision{Path: PathAbort, Reason: "remote unreachable and offline mode not permitted"}
}
