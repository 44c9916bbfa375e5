package negotiate

import (
	"testing"

	"github.com/pkg/errors"
)

func TestSelectPreviewSize(t *testing.T) {
	tests := []struct {
		name    string
		sizes   []Size
		desired Size
		want    Size
	}{
		{
			name:    "exact match wins over earlier closer-looking entries",
			sizes:   []Size{{1280, 721}, {640, 480}, {1280, 720}},
			desired: Size{1280, 720},
			want:    Size{1280, 720},
		},
		{
			name:    "minimum manhattan distance",
			sizes:   []Size{{640, 480}, {1920, 1080}, {1280, 960}},
			desired: Size{1280, 720},
			want:    Size{1280, 960},
		},
		{
			name:    "first wins ties",
			sizes:   []Size{{1270, 720}, {1290, 720}, {1280, 710}},
			desired: Size{1280, 720},
			want:    Size{1270, 720},
		},
		{
			name:    "single candidate",
			sizes:   []Size{{320, 240}},
			desired: Size{1280, 720},
			want:    Size{320, 240},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SelectPreviewSize(tc.sizes, tc.desired)
			if err != nil {
				t.Fatalf("SelectPreviewSize failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("Expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestSelectPreviewSizeEmpty(t *testing.T) {
	if _, err := SelectPreviewSize(nil, Size{1280, 720}); !errors.Is(err, ErrNoSupportedSize) {
		t.Fatalf("Expected ErrNoSupportedSize, got %v", err)
	}
}

func TestParseSizes(t *testing.T) {
	sizes, err := ParseSizes("1280x720,640x480")
	if err != nil {
		t.Fatalf("ParseSizes failed: %v", err)
	}
	want := []Size{{1280, 720}, {640, 480}}
	if len(sizes) != len(want) {
		t.Fatalf("Expected %d sizes, got %d", len(want), len(sizes))
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("Entry %d: expected %v, got %v", i, want[i], sizes[i])
		}
	}

	sizes, err = ParseSizes("garbage, 320x240 ,0x10")
	if err != nil {
		t.Fatalf("ParseSizes failed: %v", err)
	}
	if len(sizes) != 1 || sizes[0] != (Size{320, 240}) {
		t.Errorf("Expected only 320x240, got %v", sizes)
	}

	for _, list := range []string{"", "abc", "x,0x0"} {
		if _, err := ParseSizes(list); !errors.Is(err, ErrNoSupportedSize) {
			t.Errorf("ParseSizes(%q): expected ErrNoSupportedSize, got %v", list, err)
		}
	}
}

func TestNegotiateFromCapabilityString(t *testing.T) {
	sizes, err := ParseSizes("1280x720,640x480")
	if err != nil {
		t.Fatal(err)
	}
	got, err := SelectPreviewSize(sizes, Size{1280, 720})
	if err != nil {
		t.Fatal(err)
	}
	if got != (Size{1280, 720}) {
		t.Fatalf("Expected 1280x720, got %v", got)
	}
}

func TestBuildParameters(t *testing.T) {
	got := BuildParameters(Size{640, 480})
	want := "preview-size=640x480;preview-frame-rate=30;preview-format=yuv420p"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestMerge(t *testing.T) {
	base := "preview-size=320x240;preview-size-values=320x240,1280x720;preview-format=nv21"
	overrides := BuildParameters(Size{1280, 720})

	once, err := Merge(base, overrides)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	want := "preview-size=1280x720;preview-size-values=320x240,1280x720;preview-format=yuv420p;preview-frame-rate=30"
	if once != want {
		t.Errorf("Expected %q, got %q", want, once)
	}

	twice, err := Merge(once, overrides)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if twice != once {
		t.Errorf("Merge is not idempotent: %q != %q", twice, once)
	}
}

func TestMergeEmpty(t *testing.T) {
	got, err := Merge("", "a=1;;b=2;")
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if got != "a=1;b=2" {
		t.Errorf("Expected a=1;b=2, got %q", got)
	}

	got, err = Merge("a=1;b=x=y", "")
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if got != "a=1;b=x=y" {
		t.Errorf("Expected base unchanged, got %q", got)
	}
}

func TestParseParamsMalformed(t *testing.T) {
	if _, err := ParseParams("a=1;broken"); err == nil {
		t.Fatal("Expected an error for a segment without '='")
	}
	if _, err := Merge("a=1", "=2"); err == nil {
		t.Fatal("Expected an error for an empty key")
	}
}

func TestParamsGet(t *testing.T) {
	p, err := ParseParams("preview-size-values=1280x720,640x480;preview-format=yuv420p")
	if err != nil {
		t.Fatal(err)
	}
	v, ok := p.Get(KeyPreviewSizeValues)
	if !ok || v != "1280x720,640x480" {
		t.Errorf("Unexpected value %q (%v)", v, ok)
	}
	if _, ok := p.Get("missing"); ok {
		t.Error("Expected missing key to be absent")
	}
	if keys := p.Keys(); len(keys) != 2 || keys[0] != KeyPreviewSizeValues {
		t.Errorf("Unexpected keys %v", keys)
	}
}
