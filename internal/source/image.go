package source

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultDPI is used to rasterize PDF pages when the caller passes zero.
const DefaultDPI = 200

// ImageLoadError reports a missing, unreadable or undecodable input.
type ImageLoadError struct {
	Path string
	Err  error
}

func (e *ImageLoadError) Error() string {
	return fmt.Sprintf("load image %s: %v", e.Path, e.Err)
}

func (e *ImageLoadError) Unwrap() error {
	return e.Err
}

// Image is a decoded photograph together with the encoded bytes sent for inference.
type Image struct {
	Path   string
	Format string
	Pixels image.Image
	Data   []byte
}

// Bounds returns the pixel bounds of the decoded image.
func (i *Image) Bounds() image.Rectangle {
	return i.Pixels.Bounds()
}

// FileSource is a single raster image on disk.
type FileSource struct {
	path   string
	data   []byte
	format string
	img    image.Image
}

func NewFileSource(path string) (*FileSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return &FileSource{path: path, data: data, format: format, img: img}, nil
}

func (s *FileSource) PageCount() int {
	return 1
}

func (s *FileSource) RenderPage(index int, dpi int) (image.Image, error) {
	if index != 0 {
		return nil, fmt.Errorf("page %d out of range", index)
	}
	return s.img, nil
}

func (s *FileSource) Close() error {
	return nil
}

// Open picks the Source for path by extension.
func Open(path string) (Source, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return NewFitzPDFSource(path)
	}
	return NewFileSource(path)
}

// Load opens path and returns its first page. PDFs are rasterized at dpi and
// re-encoded as PNG for upload; raster files are uploaded as-is.
func Load(path string, dpi int) (*Image, error) {
	if dpi <= 0 {
		dpi = DefaultDPI
	}

	src, err := Open(path)
	if err != nil {
		return nil, &ImageLoadError{Path: path, Err: err}
	}
	defer src.Close()

	if src.PageCount() == 0 {
		return nil, &ImageLoadError{Path: path, Err: fmt.Errorf("document has no pages")}
	}

	page, err := src.RenderPage(0, dpi)
	if err != nil {
		return nil, &ImageLoadError{Path: path, Err: fmt.Errorf("render page: %w", err)}
	}

	if fs, ok := src.(*FileSource); ok {
		return &Image{Path: path, Format: fs.format, Pixels: page, Data: fs.data}, nil
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, page); err != nil {
		return nil, &ImageLoadError{Path: path, Err: fmt.Errorf("encode page: %w", err)}
	}
	return &Image{Path: path, Format: "pdf", Pixels: page, Data: buf.Bytes()}, nil
}
