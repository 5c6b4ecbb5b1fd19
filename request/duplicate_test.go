package request

import (
	"strings"
	"testing"
)

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint("0912345678", CategoryWater, "حي الزهور، شارع الجامعة")
	b := Fingerprint("0912345678", CategoryWater, "حي الزهور، شارع الجامعة")
	if a != b {
		t.Fatal("same inputs must yield the same fingerprint")
	}
	if len(a) != 64 {
		t.Fatalf("expected sha256 hex fingerprint, got %d chars", len(a))
	}
}

func TestFingerprint_CategoryChangesHash(t *testing.T) {
	water := Fingerprint("0912345678", CategoryWater, "حي الزهور")
	food := Fingerprint("0912345678", CategoryFood, "حي الزهور")
	if water == food {
		t.Fatal("different categories must yield different fingerprints")
	}
}

func TestFingerprint_PhoneFormattingIgnored(t *testing.T) {
	a := Fingerprint("0912 345-678", CategoryWater, "حي الزهور")
	b := Fingerprint("0912345678", CategoryWater, "حي الزهور")
	if a != b {
		t.Fatal("phone formatting must not affect the fingerprint")
	}
}

func TestFingerprint_EasternArabicDigits(t *testing.T) {
	a := Fingerprint("٠٩١٢٣٤٥٦٧٨", CategoryWater, "حي الزهور")
	b := Fingerprint("0912345678", CategoryWater, "حي الزهور")
	if a != b {
		t.Fatal("eastern arabic digits must normalize to the same fingerprint")
	}
}

func TestNormalizeLocation_FoldsLetterVariants(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		// Alef variants fold to bare alef.
		{"أحياء", "احياء"},
		{"إدلب", "ادلب"},
		{"آبار", "ابار"},
		// Ta marbuta folds to ha, alef maqsura to ya.
		{"مدرسة", "مدرسه"},
		{"مبنى", "مبني"},
	}
	for _, tc := range cases {
		if got := NormalizeLocation(tc.in); got != tc.want {
			t.Errorf("NormalizeLocation(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeLocation_StripsDiacriticsAndTatweel(t *testing.T) {
	decorated := "مُـحَـافَـظَـة"
	plain := "محافظه"
	if got := NormalizeLocation(decorated); got != plain {
		t.Fatalf("NormalizeLocation(%q) = %q, want %q", decorated, got, plain)
	}
}

func TestNormalizeLocation_CollapsesWhitespace(t *testing.T) {
	got := NormalizeLocation("  حي   الزهور \t شارع\nالجامعة ")
	want := "حي الزهور شارع الجامعه"
	if got != want {
		t.Fatalf("NormalizeLocation = %q, want %q", got, want)
	}
}

func TestNormalizeLocation_TruncatesPrefix(t *testing.T) {
	long := strings.Repeat("شارع ", 40)
	got := NormalizeLocation(long)
	if n := len([]rune(got)); n > locationPrefixRunes {
		t.Fatalf("expected at most %d runes, got %d", locationPrefixRunes, n)
	}

	// Fingerprints must agree when inputs differ only beyond the prefix.
	a := Fingerprint("0912345678", CategoryWater, long+"بناء ٣ طابق ٢")
	b := Fingerprint("0912345678", CategoryWater, long+"بناء ٥ طابق ١")
	if a != b {
		t.Fatal("detail beyond the location prefix must not affect the fingerprint")
	}
}

func TestNormalizeLocation_LatinLowercased(t *testing.T) {
	if got := NormalizeLocation("Main STREET 12"); got != "main street 12" {
		t.Fatalf("NormalizeLocation = %q", got)
	}
}
