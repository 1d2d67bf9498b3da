package engine

import "testing"

func TestDecide(t *testing.T) {
	tests := []struct {
		name string
		in   DecisionInput
		want Path
	}{
		{
			name: "fetch succeeded",
			in:   DecisionInput{FetchOK: true, MirrorExists: true},
			want: PathFetched,
		},
		{
			name: "fetch succeeded on first bootstrap",
			in:   DecisionInput{FetchOK: true},
			want: PathFetched,
		},
		{
			name: "fetch wins over dev mode",
			in:   DecisionInput{FetchOK: true, DevMode: true, DevCheckoutExists: true},
			want: PathFetched,
		},
		{
			name: "offline with dev checkout",
			in:   DecisionInput{DevMode: true, DevCheckoutExists: true},
			want: PathDevPush,
		},
		{
			name: "offline dev mode without a checkout falls through",
			in:   DecisionInput{DevMode: true, MirrorExists: true, OfflineOK: true},
			want: PathStaleMirror,
		},
		{
			name: "offline-ok with existing mirror",
			in:   DecisionInput{MirrorExists: true, OfflineOK: true},
			want: PathStaleMirror,
		},
		{
			name: "offline-ok without a mirror has nothing to run from",
			in:   DecisionInput{OfflineOK: true},
			want: PathAbort,
		},
		{
			name: "offline without permission aborts",
			in:   DecisionInput{MirrorExists: true},
			want: PathAbort,
		},
		{
			name: "dev push wins over offline-ok",
			in:   DecisionInput{DevMode: true, DevCheckoutExists: true, MirrorExists: true, OfflineOK: true},
			want: PathDevPush,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.in)
			if got.Path != tt.want {
				t.Errorf("Decide(%+v) = %q, want %q", tt.in, got.Path, tt.want)
			}
			if got.Reason == "" {
				t.Error("decision has no reason")
			}
		})
	}
}

// TestDecideAfterFailedDevPush mirrors the runtime re-decision: a failed
// dev push clears DevCheckoutExists and the ladder continues.
func TestDecideAfterFailedDevPush(t *testing.T) {
	in := DecisionInput{DevMode: true, DevCheckoutExists: true, MirrorExists: true, OfflineOK: true}
	if got := Decide(in); got.Path != PathDevPush {
		t.Fatalf("first decision = %q, want %q", got.Path, PathDevPush)
	}

	in.DevCheckoutExists = false
	if got := Decide(in); got.Path != PathStaleMirror {
		t.Errorf("re-decision = %q, want %q", got.Path, PathStaleMirror)
	}

	in.OfflineOK = false
	if got := Decide(in); got.Path != PathAbort {
		t.Errorf("re-decision without offline-ok = %q, want %q", got.Path, PathAbort)
	}
}
