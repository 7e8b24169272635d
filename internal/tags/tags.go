package tags

import (
	"fmt"
	"path/filepath"

	"github.com/skip2/go-qrcode"

	"github.com/ivlev/sherdmark/internal/sherd"
)

// Size is the edge length of a tag image in pixels.
const Size = 256

// Payload is the text encoded in a bag tag.
func Payload(runID string, r sherd.Record) string {
	return fmt.Sprintf("%s|%s|%.2f|%s", runID, r.SherdID, r.Weight, r.Caption())
}

// FileName returns the tag file name for the sherd at a 0-based index, e.g. "sherd_03.png".
func FileName(index int) string {
	return fmt.Sprintf("sherd_%02d.png", index+1)
}

// Write renders one QR tag per record into dir and returns the written paths.
func Write(dir, runID string, records []sherd.Record) ([]string, error) {
	paths := make([]string, 0, len(records))
	for i, r := range records {
		path := filepath.Join(dir, FileName(i))
		if err := qrcode.WriteFile(Payload(runID, r), qrcode.Medium, Size, path); err != nil {
			return nil, fmt.Errorf("write tag for %s: %w", r.SherdID, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
