package devicectl

import (
	"errors"
	"testing"
)

func TestControllerError_ErrorsIsMatchesByKind(t *testing.T) {
	err := newErr(KindNotFound, "br-lan", "no such bridge")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("errors.Is should match by Kind regardless of Subject/Detail")
	}
	if errors.Is(err, ErrInvalidArgument) {
		t.Errorf("errors.Is should not match a different Kind")
	}
}

func TestControllerError_ErrorString(t *testing.T) {
	withSubject := newErr(KindNotSupported, "veth", "device type does not support bridging")
	if got := withSubject.Error(); got == "" {
		t.Fatalf("Error() returned empty string")
	}

	noSubject := &ControllerError{Kind: KindTimeout, Detail: "exceeded"}
	if got := noSubject.Error(); got == "" {
		t.Fatalf("Error() returned empty string for subject-less error")
	}
}
