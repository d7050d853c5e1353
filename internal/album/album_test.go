package album

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"carposter/internal/media"
)

func images(n int) []media.Image {
	out := make([]media.Image, n)
	for i := range out {
		out[i] = media.Image{Data: []byte{byte(i)}, Source: fmt.Sprintf("u%d", i)}
	}
	return out
}

func TestSelectCapsURLs(t *testing.T) {
	t.Parallel()
	urls := make([]string, 15)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://img/%d.jpg", i)
	}
	got := Select(urls)
	if len(got) != MaxPhotos {
		t.Fatalf("len = %d, want %d", len(got), MaxPhotos)
	}
	if got[9] != "https://img/9.jpg" {
		t.Fatalf("last = %s", got[9])
	}
	if short := Select(urls[:3]); len(short) != 3 {
		t.Fatalf("short list changed: %v", short)
	}
}

func TestAssembleCapsAtTen(t *testing.T) {
	t.Parallel()
	g, ok := Assemble("SR1", "caption", images(15))
	if !ok {
		t.Fatal("expected a group")
	}
	if g.Len() != 10 {
		t.Fatalf("Len = %d, want 10", g.Len())
	}
	for i, p := range g.Photos {
		if p.Data[0] != byte(i) {
			t.Fatalf("photo %d out of order", i)
		}
	}
}

func TestAssembleCaptionOnlyOnFirst(t *testing.T) {
	t.Parallel()
	g, ok := Assemble("SR9", "Kia K5 2021", images(3))
	if !ok {
		t.Fatal("expected a group")
	}
	if g.Photos[0].Caption != "Kia K5 2021" {
		t.Fatalf("first caption = %q", g.Photos[0].Caption)
	}
	for _, p := range g.Photos[1:] {
		if p.Caption != "" {
			t.Fatalf("unexpected caption %q on %s", p.Caption, p.Filename)
		}
	}
	want := []string{"car_SR9_0.jpg", "car_SR9_1.jpg", "car_SR9_2.jpg"}
	if got := strings.Join(g.Filenames(), ","); got != strings.Join(want, ",") {
		t.Fatalf("filenames = %s", got)
	}
}

func TestAssembleEmpty(t *testing.T) {
	t.Parallel()
	if _, ok := Assemble("SR1", "c", nil); ok {
		t.Fatal("empty input must not produce a group")
	}
}

func TestTruncateCaption(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("ж", MaxCaption+50)
	got := TruncateCaption(long)
	if n := utf8.RuneCountInString(got); n != MaxCaption {
		t.Fatalf("rune count = %d, want %d", n, MaxCaption)
	}
	if TruncateCaption("short") != "short" {
		t.Fatal("short caption changed")
	}
}
