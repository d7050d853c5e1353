// Package album packs transcoded photos into a platform media group.
package album

import (
	"fmt"
	"unicode/utf8"

	"carposter/internal/media"
	kit "carposter/internal/transport"
)

const (
	// MaxPhotos is Telegram's media group limit.
	MaxPhotos = 10
	// MaxCaption is Telegram's caption limit in characters.
	MaxCaption = 1024
)

// Group is one media group ready to send. Photos[0] carries the caption.
type Group struct {
	ItemID string
	Photos []kit.Photo
}

func (g Group) Len() int { return len(g.Photos) }

// Filenames lists the synthesized file names, for logs.
func (g Group) Filenames() []string {
	out := make([]string, 0, len(g.Photos))
	for _, p := range g.Photos {
		out = append(out, p.Filename)
	}
	return out
}

// Select keeps the first MaxPhotos source URLs; the rest are never downloaded.
func Select(urls []string) []string {
	if len(urls) <= MaxPhotos {
		return urls
	}
	return urls[:MaxPhotos]
}

// Assemble builds a group from images in order. The caption goes on whichever
// image survived first. ok is false when there is nothing to send.
func Assemble(itemID, caption string, images []media.Image) (g Group, ok bool) {
	if len(images) == 0 {
		return Group{}, false
	}
	if len(images) > MaxPhotos {
		images = images[:MaxPhotos]
	}
	g = Group{ItemID: itemID, Photos: make([]kit.Photo, 0, len(images))}
	for i, img := range images {
		p := kit.Photo{
			Data:     img.Data,
			Filename: Filename(itemID, i),
		}
		if i == 0 {
			p.Caption = TruncateCaption(caption)
		}
		g.Photos = append(g.Photos, p)
	}
	return g, true
}

func Filename(itemID string, ordinal int) string {
	return fmt.Sprintf("car_%s_%d.jpg", itemID, ordinal)
}

// TruncateCaption cuts s to MaxCaption runes.
func TruncateCaption(s string) string {
	if utf8.RuneCountInString(s) <= MaxCaption {
		return s
	}
	r := []rune(s)
	return string(r[:MaxCaption-1]) + "…"
}
