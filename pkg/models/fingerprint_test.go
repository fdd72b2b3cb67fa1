package models

import (
	"encoding/json"
	"testing"
)

func TestCanonicalizeJSONSortsKeys(t *testing.T) {
	a := json.RawMessage(`{"b":1,"a":{"y":true,"x":null}}`)
	b := json.RawMessage(`{ "a" : { "x" : null , "y" : true } , "b" : 1 }`)
	ca, err := CanonicalizeJSON(a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := CanonicalizeJSON(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("canonical forms differ: %s vs %s", ca, cb)
	}
	if string(ca) != `{"a":{"x":null,"y":true},"b":1}` {
		t.Fatalf("unexpected canonical form: %s", ca)
	}
}

func TestCanonicalizeJSONPreservesNumbers(t *testing.T) {
	got, err := CanonicalizeJSON(json.RawMessage(`{"t":1.5,"n":42}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"n":42,"t":1.5}` {
		t.Fatalf("got %s", got)
	}
}

func TestFingerprintStableAcrossArgOrder(t *testing.T) {
	r1 := ActionRequest{CallerID: "u1", Kind: ActionExecCommand, Target: "ls", Args: json.RawMessage(`{"cwd":"/tmp","timeout":30}`)}
	r2 := ActionRequest{CallerID: "u1", Kind: ActionExecCommand, Target: "ls", Args: json.RawMessage(`{"timeout":30,"cwd":"/tmp"}`)}
	if Fingerprint(r1) != Fingerprint(r2) {
		t.Fatal("fingerprint should not depend on arg key order")
	}
}

func TestFingerprintDistinguishesActions(t *testing.T) {
	base := ActionRequest{CallerID: "u1", Kind: ActionExecCommand, Target: "ls"}
	other := base
	other.Target = "rm"
	if Fingerprint(base) == Fingerprint(other) {
		t.Fatal("different targets must fingerprint differently")
	}
	byCaller := base
	byCaller.CallerID = "u2"
	if Fingerprint(base) == Fingerprint(byCaller) {
		t.Fatal("different callers must fingerprint differently")
	}
}

func TestFingerprintIgnoresRequestedTier(t *testing.T) {
	r1 := ActionRequest{CallerID: "u1", Kind: ActionRead, Target: "status", RequestedTier: TierL1}
	r2 := r1
	r2.RequestedTier = TierL4
	if Fingerprint(r1) != Fingerprint(r2) {
		t.Fatal("fingerprint covers what the action does, not the tier asked for")
	}
}
