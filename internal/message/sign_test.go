package message

import (
	"testing"

	"github.com/centraldb/dbsync/internal/types"
)

var signOps = []types.Operation{
	{Order: 1, RowID: 7, ContentTypeID: 11, Command: types.CommandInsert},
	{Order: 2, RowID: 8, ContentTypeID: 11, Command: types.CommandUpdate},
}

func TestPortion(t *testing.T) {
	if got := Portion(signOps); got != "&7#11#i&8#11#u" {
		t.Errorf("Portion = %q", got)
	}
	if got := Portion(nil); got != "" {
		t.Errorf("Portion(nil) = %q", got)
	}
}

func TestSignVector(t *testing.T) {
	const want = "5a191d6d78c9557d15af9229864bc5da5efe6ce5446af44188ffc7625230db8c" +
		"cbe3bc3b7e1d6894d2279c38e1579c9915cb6667d8a205624fe2ee71710376d0"
	if got := Sign("s3cret", signOps); got != want {
		t.Errorf("Sign = %q, want %q", got, want)
	}
}

func TestVerify(t *testing.T) {
	msg := &Push{Operations: signOps}
	msg.SignWith("s3cret")
	if err := msg.Verify("s3cret"); err != nil {
		t.Fatalf("Verify of a signed message failed: %v", err)
	}
	if err := msg.Verify("other"); err == nil {
		t.Error("Verify must fail with the wrong secret")
	}

	// Flipping any part of any operation tuple invalidates the key.
	mutations := []func(op *types.Operation){
		func(op *types.Operation) { op.RowID++ },
		func(op *types.Operation) { op.ContentTypeID++ },
		func(op *types.Operation) { op.Command = types.CommandDelete },
	}
	for i, mutate := range mutations {
		tampered := &Push{Operations: append([]types.Operation(nil), signOps...), Key: msg.Key}
		mutate(&tampered.Operations[0])
		if err := tampered.Verify("s3cret"); err == nil {
			t.Errorf("mutation %d: Verify must fail on a tampered operation", i)
		}
	}

	// Flipping a character of the key itself.
	bad := &Push{Operations: signOps, Key: msg.Key}
	key := []byte(bad.Key)
	if key[0] == '0' {
		key[0] = '1'
	} else {
		key[0] = '0'
	}
	bad.Key = string(key)
	if err := bad.Verify("s3cret"); err == nil {
		t.Error("Verify must fail on a tampered key")
	}
}
