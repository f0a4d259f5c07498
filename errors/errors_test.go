package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestSyncError_Error(t *testing.T) {
	cases := []struct {
		name string
		err  *SyncError
		want string
	}{
		{
			name: "full",
			err:  &SyncError{Op: OpPush, Component: "gateway", Kind: KindServer, Entity: "study_sets", Err: stderrors.New("boom")},
			want: "push operation failed in gateway (entity=study_sets) [SERVER]: boom",
		},
		{
			name: "no component",
			err:  &SyncError{Op: OpPull, Kind: KindSchema, Err: stderrors.New("bad payload")},
			want: "pull operation failed [SCHEMA]: bad payload",
		},
		{
			name: "minimal",
			err:  New(OpSync, stderrors.New("x")),
			want: "sync operation failed: x",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.err.Error(); got != tc.want {
				t.Fatalf("Error() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestE_ArgumentMatching(t *testing.T) {
	cause := stderrors.New("cause")
	e := E(OpPull, KindAuth, "gateway", cause)
	if e.Op != OpPull || e.Kind != KindAuth || e.Component != "gateway" {
		t.Fatalf("unexpected fields: %+v", e)
	}
	if !stderrors.Is(e, cause) {
		t.Fatalf("expected wrapped cause to survive errors.Is")
	}
}

func TestIsCritical(t *testing.T) {
	critical := []Kind{KindAuth, KindRateLimit, KindServer, KindBadRequest}
	for _, k := range critical {
		if !IsCritical(E(OpPush, k, stderrors.New("x"))) {
			t.Fatalf("expected %s to be critical", k)
		}
	}
	benign := []Kind{KindTransient, KindSchema, KindLockHeld, KindBlocked, KindStorage}
	for _, k := range benign {
		if IsCritical(E(OpPush, k, stderrors.New("x"))) {
			t.Fatalf("expected %s not to be critical", k)
		}
	}
	if IsCritical(stderrors.New("plain")) {
		t.Fatalf("plain errors are never critical")
	}
}

func TestIsCritical_Wrapped(t *testing.T) {
	inner := E(OpTransport, KindServer, stderrors.New("500"))
	wrapped := fmt.Errorf("push batch 3: %w", inner)
	if !IsCritical(wrapped) {
		t.Fatalf("criticality must survive fmt.Errorf wrapping")
	}
}

func TestRetryable(t *testing.T) {
	if !IsRetryable(NewTransient(OpPull, stderrors.New("conn reset"))) {
		t.Fatalf("transient errors are retryable")
	}
	if IsRetryable(E(OpPush, KindAuth, stderrors.New("401"))) {
		t.Fatalf("auth errors are not retryable in-run")
	}
}

func TestWrapOpComponent_Nil(t *testing.T) {
	if WrapOpComponent(nil, OpStore, "storage/sqlite") != nil {
		t.Fatalf("nil in, nil out")
	}
}
