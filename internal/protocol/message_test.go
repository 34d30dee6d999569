package protocol

import (
	"strings"
	"testing"
)

func TestBodyValidateText(t *testing.T) {
	b := &Body{Kind: KindText, Text: "hello"}
	if err := b.Validate(); err != nil {
		t.Fatalf("valid text body rejected: %v", err)
	}

	cases := []*Body{
		nil,
		{Kind: KindText},
		{Kind: KindText, Text: "   "},
		{Kind: KindText, Text: strings.Repeat("x", MaxTextLength+1)},
		{Kind: KindText, Text: "hi", Data: "abc"},
		{Kind: KindText, Text: "hi", Name: "wave"},
	}
	for i, c := range cases {
		if err := c.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error for %#v", i, c)
		}
	}
}

func TestBodyValidateImage(t *testing.T) {
	b := &Body{Kind: KindImage, Data: "aGVsbG8="}
	if err := b.Validate(); err != nil {
		t.Fatalf("valid image body rejected: %v", err)
	}
	if err := (&Body{Kind: KindImage}).Validate(); err == nil {
		t.Fatal("expected error for image without data")
	}
	if err := (&Body{Kind: KindImage, Data: strings.Repeat("A", MaxImageBytes+1)}).Validate(); err == nil {
		t.Fatal("expected error for oversized image data")
	}
	if err := (&Body{Kind: KindImage, Data: "aGk=", Name: "wave"}).Validate(); err == nil {
		t.Fatal("expected error for image carrying sticker fields")
	}
}

func TestBodyValidateSticker(t *testing.T) {
	b := &Body{Kind: KindSticker, Name: "wave"}
	if err := b.Validate(); err != nil {
		t.Fatalf("valid sticker body rejected: %v", err)
	}
	if err := (&Body{Kind: KindSticker}).Validate(); err == nil {
		t.Fatal("expected error for sticker without a name")
	}
	if err := (&Body{Kind: KindSticker, Name: "wave", Text: "hi"}).Validate(); err == nil {
		t.Fatal("expected error for sticker carrying text")
	}
}

func TestBodyValidateUnknownKind(t *testing.T) {
	if err := (&Body{Kind: "audio"}).Validate(); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestValidName(t *testing.T) {
	got, err := ValidName("  alice  ")
	if err != nil || got != "alice" {
		t.Fatalf("expected trimmed alice, got %q err=%v", got, err)
	}
	if _, err := ValidName("   "); err == nil {
		t.Fatal("expected error for blank name")
	}
	if _, err := ValidName(strings.Repeat("a", MaxNameLength+1)); err == nil {
		t.Fatal("expected error for overlong name")
	}
}

func TestValidScope(t *testing.T) {
	if err := ValidScope(ScopePublic, ""); err != nil {
		t.Fatalf("public scope should not require a target: %v", err)
	}
	if err := ValidScope(ScopePrivate, "bob"); err != nil {
		t.Fatalf("private scope with target rejected: %v", err)
	}
	if err := ValidScope(ScopePrivate, ""); err == nil {
		t.Fatal("expected error for private scope without target")
	}
	if err := ValidScope(ScopeGroup, ""); err == nil {
		t.Fatal("expected error for group scope without target")
	}
	if err := ValidScope("room", "x"); err == nil {
		t.Fatal("expected error for unknown scope")
	}
}
