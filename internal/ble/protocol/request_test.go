package protocol

import (
	"bytes"
	"testing"
	"time"
)

func TestBuildRequestFetchDeviceState(t *testing.T) {
	now := time.Unix(1700000000, 0)
	got, err := BuildRequest(FetchDeviceState, now)
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	want := []byte{0x0F, 0x65, 0x53, 0xF1, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("BuildRequest(FetchDeviceState) = % x, want % x", got, want)
	}
}

func TestBuildRequestIdentifyDevice(t *testing.T) {
	got, err := BuildRequest(IdentifyDevice, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	if !bytes.Equal(got, []byte{0x01}) {
		t.Errorf("BuildRequest(IdentifyDevice) = % x, want 01", got)
	}
}

func TestBuildRequestControlByteSetsAllFlags(t *testing.T) {
	got, _ := BuildRequest(FetchDeviceState, time.Unix(0, 0))
	for _, flag := range []byte{FlagName, FlagBattery, FlagEvents, FlagSetTime} {
		if got[0]&flag == 0 {
			t.Errorf("control byte 0x%02x missing flag 0x%02x", got[0], flag)
		}
	}
}

func TestBuildRequestTruncatesSubSecond(t *testing.T) {
	a, _ := BuildRequest(FetchDeviceState, time.Unix(1700000000, 0))
	b, _ := BuildRequest(FetchDeviceState, time.Unix(1700000000, 999_000_000))
	if !bytes.Equal(a, b) {
		t.Errorf("sub-second component changed request: % x vs % x", a, b)
	}
}

func TestBuildRequestOutOfRange(t *testing.T) {
	if _, err := BuildRequest(FetchDeviceState, time.Unix(-1, 0)); err == nil {
		t.Error("BuildRequest() should reject negative timestamps")
	}
	if _, err := BuildRequest(FetchDeviceState, time.Unix(1<<33, 0)); err == nil {
		t.Error("BuildRequest() should reject timestamps beyond uint32")
	}
}

func TestBuildRequestUnknownKind(t *testing.T) {
	if _, err := BuildRequest(RequestKind(99), time.Now()); err == nil {
		t.Error("BuildRequest() should reject an unknown kind")
	}
}

func TestClassify(t *testing.T) {
	known := map[string]struct{}{"AA:BB": {}}

	if got := Classify("AA:BB", known); got != FetchDeviceState {
		t.Errorf("Classify(known) = %v, want %v", got, FetchDeviceState)
	}
	if got := Classify("CC:DD", known); got != IdentifyDevice {
		t.Errorf("Classify(unknown) = %v, want %v", got, IdentifyDevice)
	}
	if got := Classify("AA:BB", nil); got != IdentifyDevice {
		t.Errorf("Classify(nil set) = %v, want %v", got, IdentifyDevice)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	known := map[string]struct{}{"AA:BB": {}}
	now := time.Unix(1700000000, 0)

	first, _ := BuildRequest(Classify("AA:BB", known), now)
	for i := 0; i < 10; i++ {
		again, _ := BuildRequest(Classify("AA:BB", known), now)
		if !bytes.Equal(first, again) {
			t.Fatalf("iteration %d: request % x, want % x", i, again, first)
		}
	}
}

func TestRequestKindString(t *testing.T) {
	if IdentifyDevice.String() != "identify" {
		t.Errorf("IdentifyDevice.String() = %q", IdentifyDevice.String())
	}
	if FetchDeviceState.String() != "fetch-state" {
		t.Errorf("FetchDeviceState.String() = %q", FetchDeviceState.String())
	}
}
