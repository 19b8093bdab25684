package checkpoints

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// weights.bin is a sequence of length-delimited tensor messages in protobuf
// wire format:
//
//	message Tensor {
//	  string name  = 1;
//	  repeated int64 shape = 2 [packed = true];
//	  repeated fixed32 data = 3 [packed = true]; // IEEE-754 float32 bits
//	  string layer = 4;
//	  string type  = 5;
//	}
//	message Weights { repeated Tensor tensors = 1; }
const (
	weightsTensorField protowire.Number = 1

	tensorNameField  protowire.Number = 1
	tensorShapeField protowire.Number = 2
	tensorDataField  protowire.Number = 3
	tensorLayerField protowire.Number = 4
	tensorTypeField  protowire.Number = 5
)

// EncodeWeights serializes weight tensors into the weights.bin format
func EncodeWeights(weights []WeightTensor) []byte {
	var out []byte
	for _, w := range weights {
		out = protowire.AppendTag(out, weightsTensorField, protowire.BytesType)
		out = protowire.AppendBytes(out, encodeTensor(w))
	}
	return out
}

func encodeTensor(w WeightTensor) []byte {
	var msg []byte
	msg = protowire.AppendTag(msg, tensorNameField, protowire.BytesType)
	msg = protowire.AppendString(msg, w.Name)

	var shape []byte
	for _, d := range w.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	msg = protowire.AppendTag(msg, tensorShapeField, protowire.BytesType)
	msg = protowire.AppendBytes(msg, shape)

	data := make([]byte, 0, 4*len(w.Data))
	for _, v := range w.Data {
		data = protowire.AppendFixed32(data, math.Float32bits(v))
	}
	msg = protowire.AppendTag(msg, tensorDataField, protowire.BytesType)
	msg = protowire.AppendBytes(msg, data)

	if w.Layer != "" {
		msg = protowire.AppendTag(msg, tensorLayerField, protowire.BytesType)
		msg = protowire.AppendString(msg, w.Layer)
	}
	if w.Type != "" {
		msg = protowire.AppendTag(msg, tensorTypeField, protowire.BytesType)
		msg = protowire.AppendString(msg, w.Type)
	}
	return msg
}

// DecodeWeights parses the weights.bin format. Unknown fields are skipped.
func DecodeWeights(b []byte) ([]WeightTensor, error) {
	var weights []WeightTensor
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("invalid tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		if num != weightsTensorField || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("invalid field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("invalid tensor %d: %v", len(weights), protowire.ParseError(n))
		}
		b = b[n:]

		w, err := decodeTensor(msg)
		if err != nil {
			return nil, fmt.Errorf("tensor %d: %v", len(weights), err)
		}
		weights = append(weights, w)
	}
	return weights, nil
}

func decodeTensor(b []byte) (WeightTensor, error) {
	var w WeightTensor
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return w, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && (num == tensorNameField || num == tensorLayerField || num == tensorTypeField):
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return w, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case tensorNameField:
				w.Name = v
			case tensorLayerField:
				w.Layer = v
			default:
				w.Type = v
			}

		case num == tensorShapeField && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return w, protowire.ParseError(n)
			}
			b = b[n:]
			for len(packed) > 0 {
				d, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return w, protowire.ParseError(m)
				}
				packed = packed[m:]
				w.Shape = append(w.Shape, int(d))
			}

		case num == tensorDataField && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return w, protowire.ParseError(n)
			}
			b = b[n:]
			if len(packed)%4 != 0 {
				return w, fmt.Errorf("data length %d is not a multiple of 4", len(packed))
			}
			w.Data = make([]float32, 0, len(packed)/4)
			for len(packed) > 0 {
				bits, m := protowire.ConsumeFixed32(packed)
				if m < 0 {
					return w, protowire.ParseError(m)
				}
				packed = packed[m:]
				w.Data = append(w.Data, math.Float32frombits(bits))
			}

		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return w, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return w, nil
}
