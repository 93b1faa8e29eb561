package device

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-backbone/internal/simd"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

// numWorkers defines the default parallelism for CPU operations
var numWorkers = runtime.NumCPU()

type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		pool: sync.Pool{
			New: func() interface{} {
				return &CPUTensor{}
			},
		},
	}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) NewTensor(shape []int, data []float32) Tensor {
	size := shapeSize(shape)
	t := &CPUTensor{
		backend: b,
		shape:   cloneShape(shape),
		data:    make([]float32, size),
	}
	if data != nil {
		if len(data) != size {
			panic(fmt.Sprintf("NewTensor: data length %d does not match shape %v", len(data), shape))
		}
		copy(t.data, data)
	}
	return t
}

func (b *CPUBackend) GetTensor(shape ...int) Tensor {
	v := b.pool.Get()
	ct, ok := v.(*CPUTensor)
	if !ok || ct == nil {
		ct = &CPUTensor{}
	}

	ct.backend = b
	ct.shape = cloneShape(shape)
	ct.dtype = Float32
	size := shapeSize(shape)
	if cap(ct.data) < size {
		poolMisses.Inc()
		ct.data = make([]float32, size)
	} else {
		poolHits.Inc()
		ct.data = ct.data[:size]
		simd.VecFill(ct.data, 0)
	}
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok {
		return // Don't pool foreign tensors
	}
	ct.shape = nil
	ct.dtype = Float32
	// Data is zeroed when retrieved by GetTensor
	b.pool.Put(ct)
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}

type CPUTensor struct {
	backend *CPUBackend
	data    []float32
	shape   []int
	dtype   DType
}

func asCPU(t Tensor) *CPUTensor {
	ct, ok := t.(*CPUTensor)
	if !ok {
		panic("mixed backend operation not supported")
	}
	return ct
}

func shapeSize(shape []int) int {
	if len(shape) == 0 {
		panic(fmt.Sprintf("%v: empty shape", ErrShapeMismatch))
	}
	size := 1
	for i, d := range shape {
		if d <= 0 {
			panic(fmt.Sprintf("%v: shape[%d] must be positive, got %d", ErrShapeMismatch, i, d))
		}
		size *= d
	}
	return size
}

func cloneShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}

func (t *CPUTensor) dims4() (int, int, int, int) {
	if len(t.shape) != 4 {
		panic(fmt.Sprintf("%v: expected NCHW tensor, got shape %v", ErrShapeMismatch, t.shape))
	}
	return t.shape[0], t.shape[1], t.shape[2], t.shape[3]
}

func (t *CPUTensor) newLike(shape []int) *CPUTensor {
	out := t.backend.NewTensor(shape, nil).(*CPUTensor)
	out.dtype = t.dtype
	return out
}

// finish keeps Float16 tensors on the binary16 grid after an op.
func (t *CPUTensor) finish() {
	if t.dtype == Float16 {
		RoundFloat16(t.data)
	}
}

func (t *CPUTensor) Shape() []int {
	return cloneShape(t.shape)
}

func (t *CPUTensor) Size() int {
	return len(t.data)
}

func (t *CPUTensor) DType() DType {
	return t.dtype
}

func (t *CPUTensor) Data() []float32 {
	return t.data
}

func (t *CPUTensor) ToHost() []float32 {
	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

func (t *CPUTensor) CopyFromFloat32(data []float32) {
	if len(data) != len(t.data) {
		panic(fmt.Sprintf("%v: CopyFromFloat32 got %d values for %d elements", ErrShapeMismatch, len(data), len(t.data)))
	}
	copy(t.data, data)
	t.finish()
}

func (t *CPUTensor) Clone() Tensor {
	out := t.newLike(t.shape)
	copy(out.data, t.data)
	return out
}

func (t *CPUTensor) Cast(dtype DType) Tensor {
	if dtype == t.dtype {
		return t
	}
	out := t.Clone().(*CPUTensor)
	out.dtype = dtype
	out.finish()
	return out
}

func (t *CPUTensor) Reshape(shape ...int) Tensor {
	newShape := cloneShape(shape)
	infer := -1
	known := 1
	for i, d := range newShape {
		if d == -1 {
			if infer >= 0 {
				panic("Reshape: only one dimension can be inferred")
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 && known > 0 {
		newShape[infer] = len(t.data) / known
	}
	if shapeSize(newShape) != len(t.data) {
		panic(fmt.Sprintf("%v: cannot reshape %v to %v", ErrShapeMismatch, t.shape, shape))
	}
	return &CPUTensor{backend: t.backend, data: t.data, shape: newShape, dtype: t.dtype}
}

func (t *CPUTensor) Narrow(start, end int) Tensor {
	if start < 0 || end > t.shape[0] || start >= end {
		panic(fmt.Sprintf("Narrow: invalid range [%d, %d) for batch of %d", start, end, t.shape[0]))
	}
	item := len(t.data) / t.shape[0]
	shape := cloneShape(t.shape)
	shape[0] = end - start
	return &CPUTensor{
		backend: t.backend,
		data:    t.data[start*item : end*item], // Share data
		shape:   shape,
		dtype:   t.dtype,
	}
}

// parallelFor splits [0, n) into contiguous ranges processed concurrently.
func parallelFor(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	workers := numWorkers
	if n < workers {
		workers = n
	}
	perWorker := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * perWorker
		if start >= n {
			break
		}
		end := start + perWorker
		if end > n {
			end = n
		}

		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}

func (t *CPUTensor) Conv2D(weight, bias Tensor, p ConvParams) Tensor {
	p = p.normalized()
	n, c, h, w := t.dims4()
	wt := asCPU(weight)
	if len(wt.shape) != 4 {
		panic(fmt.Sprintf("%v: conv weight must be 4-D, got %v", ErrShapeMismatch, wt.shape))
	}
	outC, cg, kh, kw := wt.shape[0], wt.shape[1], wt.shape[2], wt.shape[3]
	if c%p.Groups != 0 || outC%p.Groups != 0 || cg != c/p.Groups {
		panic(fmt.Sprintf("%v: Conv2D input %v, weight %v, groups %d", ErrShapeMismatch, t.shape, wt.shape, p.Groups))
	}

	oh := ConvOutputSize(h, kh, p.Stride, p.Padding, p.Dilation)
	ow := ConvOutputSize(w, kw, p.Stride, p.Padding, p.Dilation)
	if oh <= 0 || ow <= 0 {
		panic(fmt.Sprintf("%v: Conv2D input %dx%d too small for kernel %dx%d", ErrShapeMismatch, h, w, kh, kw))
	}

	var biasData []float32
	if bias != nil {
		biasData = asCPU(bias).data
		if len(biasData) != outC {
			panic(fmt.Sprintf("%v: Conv2D bias length %d, want %d", ErrShapeMismatch, len(biasData), outC))
		}
	}

	out := t.newLike([]int{n, outC, oh, ow})
	og := outC / p.Groups
	k := cg * kh * kw
	hw := oh * ow
	inPlane := h * w
	pointwise := kh == 1 && kw == 1 && p.Stride == 1 && p.Padding == 0

	parallelFor(n, func(start, end int) {
		var col []float32
		if !pointwise {
			col = make([]float32, k*hw)
		}
		for i := start; i < end; i++ {
			for g := 0; g < p.Groups; g++ {
				src := t.data[(i*c+g*cg)*inPlane : (i*c+(g+1)*cg)*inPlane]
				b := src
				if !pointwise {
					im2col(src, cg, h, w, kh, kw, p, oh, ow, col)
					b = col
				}
				dst := out.data[(i*outC+g*og)*hw : (i*outC+(g+1)*og)*hw]
				blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
					blas32.General{Rows: og, Cols: k, Stride: k, Data: wt.data[g*og*k : (g+1)*og*k]},
					blas32.General{Rows: k, Cols: hw, Stride: hw, Data: b},
					0,
					blas32.General{Rows: og, Cols: hw, Stride: hw, Data: dst},
				)
			}
			if biasData != nil {
				for o := 0; o < outC; o++ {
					row := out.data[(i*outC+o)*hw : (i*outC+o+1)*hw]
					simd.VecScaleShift(row, 1, biasData[o])
				}
			}
		}
	})

	out.finish()
	return out
}

// im2col lays out receptive fields as columns: row index (c, ky, kx),
// column index (oy, ox). Matches weight layout [O, C, kh, kw].
func im2col(src []float32, c, h, w, kh, kw int, p ConvParams, oh, ow int, col []float32) {
	hw := oh * ow
	for ci := 0; ci < c; ci++ {
		plane := src[ci*h*w : (ci+1)*h*w]
		for ky := 0; ky < kh; ky++ {
			for kx := 0; kx < kw; kx++ {
				rowStart := ((ci*kh+ky)*kw + kx) * hw
				row := col[rowStart : rowStart+hw]
				for oy := 0; oy < oh; oy++ {
					dst := row[oy*ow : (oy+1)*ow]
					iy := oy*p.Stride - p.Padding + ky*p.Dilation
					if iy < 0 || iy >= h {
						simd.VecFill(dst, 0)
						continue
					}
					srcRow := plane[iy*w : (iy+1)*w]
					for ox := range dst {
						ix := ox*p.Stride - p.Padding + kx*p.Dilation
						if ix < 0 || ix >= w {
							dst[ox] = 0
						} else {
							dst[ox] = srcRow[ix]
						}
					}
				}
			}
		}
	}
}

func (t *CPUTensor) ChannelAffine(scale, shift []float32) {
	n, c, h, w := t.dims4()
	if len(scale) != c || len(shift) != c {
		panic(fmt.Sprintf("%v: ChannelAffine got %d/%d params for %d channels", ErrShapeMismatch, len(scale), len(shift), c))
	}
	plane := h * w
	parallelFor(n*c, func(start, end int) {
		for idx := start; idx < end; idx++ {
			ci := idx % c
			simd.VecScaleShift(t.data[idx*plane:(idx+1)*plane], scale[ci], shift[ci])
		}
	})
	t.finish()
}

func (t *CPUTensor) ReLU() {
	simd.Relu(t.data)
}

func (t *CPUTensor) Add(other Tensor) {
	ot := asCPU(other)
	if len(ot.data) != len(t.data) || !sameShape(t.shape, ot.shape) {
		panic(fmt.Sprintf("%v: Add target %v, other %v", ErrShapeMismatch, t.shape, ot.shape))
	}
	simd.VecAdd(t.data, ot.data)
	t.finish()
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (t *CPUTensor) MaxPool2D(kernel, stride, pad int) Tensor {
	n, c, h, w := t.dims4()
	oh := ConvOutputSize(h, kernel, stride, pad, 1)
	ow := ConvOutputSize(w, kernel, stride, pad, 1)
	if oh <= 0 || ow <= 0 {
		panic(fmt.Sprintf("%v: MaxPool2D input %dx%d too small", ErrShapeMismatch, h, w))
	}
	out := t.newLike([]int{n, c, oh, ow})

	parallelFor(n*c, func(start, end int) {
		for idx := start; idx < end; idx++ {
			src := t.data[idx*h*w : (idx+1)*h*w]
			dst := out.data[idx*oh*ow : (idx+1)*oh*ow]
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					m := float32(math.Inf(-1))
					for ky := 0; ky < kernel; ky++ {
						iy := oy*stride - pad + ky
						if iy < 0 || iy >= h {
							continue
						}
						for kx := 0; kx < kernel; kx++ {
							ix := ox*stride - pad + kx
							if ix < 0 || ix >= w {
								continue
							}
							if v := src[iy*w+ix]; v > m {
								m = v
							}
						}
					}
					dst[oy*ow+ox] = m
				}
			}
		}
	})
	return out
}

func (t *CPUTensor) InterpolateNearest(oh, ow int) Tensor {
	n, c, h, w := t.dims4()
	out := t.newLike([]int{n, c, oh, ow})

	srcX := make([]int, ow)
	for x := range srcX {
		srcX[x] = x * w / ow
	}
	for idx := 0; idx < n*c; idx++ {
		src := t.data[idx*h*w : (idx+1)*h*w]
		dst := out.data[idx*oh*ow : (idx+1)*oh*ow]
		for y := 0; y < oh; y++ {
			sy := y * h / oh
			for x := 0; x < ow; x++ {
				dst[y*ow+x] = src[sy*w+srcX[x]]
			}
		}
	}
	return out
}

func (t *CPUTensor) ExtractPatches(kernel, stride, dilation int) Tensor {
	if kernel <= 0 || stride <= 0 || dilation <= 0 {
		panic(fmt.Sprintf("ExtractPatches: kernel %d, stride %d, dilation %d must be positive", kernel, stride, dilation))
	}
	n, c, h, w := t.dims4()
	oh := ceilDiv(h, stride)
	ow := ceilDiv(w, stride)
	top := floorDiv(SamePadding(h, kernel, stride, dilation), 2)
	left := floorDiv(SamePadding(w, kernel, stride, dilation), 2)

	outC := kernel * kernel * c
	out := t.newLike([]int{n, outC, oh, ow})
	plane := oh * ow

	parallelFor(n*outC, func(start, end int) {
		for idx := start; idx < end; idx++ {
			i := idx / outC
			ch := idx % outC
			ci := ch % c
			kx := (ch / c) % kernel
			ky := ch / c / kernel

			src := t.data[(i*c+ci)*h*w : (i*c+ci+1)*h*w]
			dst := out.data[idx*plane : (idx+1)*plane]
			for oy := 0; oy < oh; oy++ {
				iy := oy*stride + ky*dilation - top
				for ox := 0; ox < ow; ox++ {
					ix := ox*stride + kx*dilation - left
					if iy < 0 || iy >= h || ix < 0 || ix >= w {
						dst[oy*ow+ox] = 0
					} else {
						dst[oy*ow+ox] = src[iy*w+ix]
					}
				}
			}
		}
	})
	return out
}

// SamePadding returns the total padding that makes a strided, dilated
// window produce ceil(in/stride) outputs. A negative value means cropping.
func SamePadding(in, kernel, stride, dilation int) int {
	out := ceilDiv(in, stride)
	return (out-1)*stride + (kernel-1)*dilation + 1 - in
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
