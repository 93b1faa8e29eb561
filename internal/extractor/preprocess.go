package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/23skdu/longbow-backbone/internal/device"
)

// ImageNet statistics the torchvision ResNets were trained with.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

var (
	// ErrEmptyImage is returned for zero-length or zero-sized images.
	ErrEmptyImage = errors.New("extractor: empty image")
	// ErrInvalidImage wraps decoder failures.
	ErrInvalidImage = errors.New("extractor: invalid image")
)

// DecodeImage decodes png, jpeg or webp bytes.
func DecodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, ErrEmptyImage
	}
	return img, nil
}

// FitSize scales (w, h) so the long side is at most maxSize, keeping the
// aspect ratio. Images already small enough are left alone.
func FitSize(w, h, maxSize int) (int, int) {
	long := w
	if h > long {
		long = h
	}
	if maxSize <= 0 || long <= maxSize {
		return w, h
	}
	scale := float64(maxSize) / float64(long)
	nw := int(float64(w)*scale + 0.5)
	nh := int(float64(h)*scale + 0.5)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}

// Resize returns img as RGBA with its long side capped at maxSize.
func Resize(img image.Image, maxSize int) *image.RGBA {
	b := img.Bounds()
	w, h := FitSize(b.Dx(), b.Dy(), maxSize)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return dst
	}
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// ToTensor converts img to a normalised [3, H, W] tensor.
func ToTensor(backend device.Backend, img *image.RGBA) device.Tensor {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	plane := h * w
	out := backend.NewTensor([]int{3, h, w}, nil)
	data := out.Data()
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+4*w]
		for x := 0; x < w; x++ {
			idx := y*w + x
			for c := 0; c < 3; c++ {
				v := float32(row[4*x+c]) / 255
				data[c*plane+idx] = (v - ImageNetMean[c]) / ImageNetStd[c]
			}
		}
	}
	return out
}

// Preprocess decodes, resizes and normalises images concurrently. The
// first failure cancels the rest.
func (e *Extractor) Preprocess(ctx context.Context, images [][]byte) ([]device.Tensor, error) {
	return e.preprocess(ctx, images, nil)
}

// preprocess reports a failing image by its entry in indices, or by its
// position when indices is nil.
func (e *Extractor) preprocess(ctx context.Context, images [][]byte, indices []int) ([]device.Tensor, error) {
	out := make([]device.Tensor, len(images))
	p := pool.New().WithMaxGoroutines(e.decodeWorkers).WithContext(ctx).WithCancelOnError().WithFirstError()
	for i, data := range images {
		p.Go(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := DecodeImage(data)
			if err != nil {
				idx := i
				if indices != nil {
					idx = indices[i]
				}
				return fmt.Errorf("image %d: %w", idx, err)
			}
			out[i] = ToTensor(e.backend, Resize(img, e.maxSize))
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
