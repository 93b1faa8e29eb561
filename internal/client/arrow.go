package client

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// DescriptorSchema is the layout of exported descriptors.
var DescriptorSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "id", Type: arrow.BinaryTypes.String},
		{Name: "descriptor", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	},
	nil,
)

// RecordBatchBuilder creates Arrow RecordBatches from descriptors.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildRecordBatch pairs ids with descriptors. It returns nil for empty
// input.
func (b *RecordBatchBuilder) BuildRecordBatch(ids []string, descriptors [][]float32) (arrow.RecordBatch, error) {
	if len(ids) != len(descriptors) {
		return nil, fmt.Errorf("got %d ids for %d descriptors", len(ids), len(descriptors))
	}
	if len(descriptors) == 0 {
		return nil, nil
	}

	idBuilder := array.NewStringBuilder(b.mem)
	defer idBuilder.Release()
	idBuilder.AppendValues(ids, nil)

	listBuilder := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Float32)
	defer listBuilder.Release()
	valueBuilder := listBuilder.ValueBuilder().(*array.Float32Builder)
	for _, desc := range descriptors {
		listBuilder.Append(true)
		valueBuilder.AppendValues(desc, nil)
	}

	idArr := idBuilder.NewArray()
	defer idArr.Release()
	descArr := listBuilder.NewArray()
	defer descArr.Release()

	return array.NewRecordBatch(DescriptorSchema, []arrow.Array{idArr, descArr}, int64(len(ids))), nil
}

// ImagesFromRecord reads encoded images from the "image" column (binary)
// and ids from the optional "id" column (string). Rows without an id get
// their row index. The returned values are copies and outlive rec.
func ImagesFromRecord(rec arrow.RecordBatch) ([]string, [][]byte, error) {
	indices := rec.Schema().FieldIndices("image")
	if len(indices) == 0 {
		return nil, nil, fmt.Errorf("record has no image column")
	}
	col := rec.Column(indices[0])

	n := int(rec.NumRows())
	images := make([][]byte, n)
	switch arr := col.(type) {
	case *array.Binary:
		for i := 0; i < n; i++ {
			images[i] = bytes.Clone(arr.Value(i))
		}
	case *array.LargeBinary:
		for i := 0; i < n; i++ {
			images[i] = bytes.Clone(arr.Value(i))
		}
	default:
		return nil, nil, fmt.Errorf("image column has type %s, want binary", col.DataType())
	}

	ids := make([]string, n)
	var idArr *array.String
	if idx := rec.Schema().FieldIndices("id"); len(idx) > 0 {
		idArr, _ = rec.Column(idx[0]).(*array.String)
	}
	for i := range ids {
		if idArr != nil && idArr.IsValid(i) {
			ids[i] = strings.Clone(idArr.Value(i))
		} else {
			ids[i] = fmt.Sprintf("%d", i)
		}
	}
	return ids, images, nil
}
