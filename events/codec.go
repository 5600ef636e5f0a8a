package events

import (
	"fmt"
	"math"
	"time"

	"github.com/golang/snappy"
	"google.golang.org/protobuf/encoding/protowire"

	"alma.local/covfuzz/executor"
	"alma.local/covfuzz/observer"
)

// Field numbers of the event wire format.
const (
	fieldKind          protowire.Number = 1
	fieldClient        protowire.Number = 2
	fieldInput         protowire.Number = 3
	fieldExit          protowire.Number = 4
	fieldCorpusSize    protowire.Number = 5
	fieldObjectiveSize protowire.Number = 6
	fieldExecutions    protowire.Number = 7
	fieldTime          protowire.Number = 8
	fieldName          protowire.Number = 9
	fieldValue         protowire.Number = 10
	fieldMap           protowire.Number = 11
	fieldDuration      protowire.Number = 12
	fieldLevel         protowire.Number = 13

	// inside fieldMap / fieldDuration
	subName  protowire.Number = 1
	subData  protowire.Number = 2
	subNanos protowire.Number = 3
)

// Marshal encodes the event. Coverage maps are snappy-compressed.
func (e *Event) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind))
	b = appendVarint(b, fieldClient, uint64(e.Client))
	if len(e.Input) > 0 {
		b = protowire.AppendTag(b, fieldInput, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Input)
	}
	b = appendVarint(b, fieldExit, uint64(e.Exit))
	b = appendVarint(b, fieldCorpusSize, e.CorpusSize)
	b = appendVarint(b, fieldObjectiveSize, e.ObjectiveSize)
	b = appendVarint(b, fieldExecutions, e.Executions)
	if !e.Time.IsZero() {
		b = protowire.AppendTag(b, fieldTime, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(e.Time.UnixNano()))
	}
	if e.Name != "" {
		b = protowire.AppendTag(b, fieldName, protowire.BytesType)
		b = protowire.AppendString(b, e.Name)
	}
	if e.Value != 0 {
		b = protowire.AppendTag(b, fieldValue, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(e.Value))
	}
	b = appendVarint(b, fieldLevel, uint64(e.Level))
	if e.Readings != nil {
		for name, data := range e.Readings.Maps {
			var sub []byte
			sub = protowire.AppendTag(sub, subName, protowire.BytesType)
			sub = protowire.AppendString(sub, name)
			sub = protowire.AppendTag(sub, subData, protowire.BytesType)
			sub = protowire.AppendBytes(sub, snappy.Encode(nil, data))
			b = protowire.AppendTag(b, fieldMap, protowire.BytesType)
			b = protowire.AppendBytes(b, sub)
		}
		for name, d := range e.Readings.Times {
			var sub []byte
			sub = protowire.AppendTag(sub, subName, protowire.BytesType)
			sub = protowire.AppendString(sub, name)
			sub = appendVarint(sub, subNanos, uint64(d))
			b = protowire.AppendTag(b, fieldDuration, protowire.BytesType)
			b = protowire.AppendBytes(b, sub)
		}
	}
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Unmarshal decodes an event produced by Marshal. Unknown fields are skipped.
func Unmarshal(b []byte) (*Event, error) {
	e := &Event{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("event tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("event field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldKind:
				e.Kind = Kind(v)
			case fieldClient:
				e.Client = uint32(v)
			case fieldExit:
				e.Exit = executor.ExitKind(v)
			case fieldCorpusSize:
				e.CorpusSize = v
			case fieldObjectiveSize:
				e.ObjectiveSize = v
			case fieldExecutions:
				e.Executions = v
			case fieldTime:
				e.Time = time.Unix(0, protowire.DecodeZigZag(v))
			case fieldLevel:
				e.Level = uint8(v)
			}
		case typ == protowire.Fixed64Type && num == fieldValue:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, fmt.Errorf("event value: %w", protowire.ParseError(n))
			}
			b = b[n:]
			e.Value = math.Float64frombits(v)
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("event field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := e.setBytes(num, v); err != nil {
				return nil, err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("event field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if e.Kind == 0 {
		return nil, fmt.Errorf("event without kind")
	}
	return e, nil
}

func (e *Event) setBytes(num protowire.Number, v []byte) error {
	switch num {
	case fieldInput:
		e.Input = append([]byte(nil), v...)
	case fieldName:
		e.Name = string(v)
	case fieldMap:
		name, data, _, err := consumeReading(v)
		if err != nil {
			return fmt.Errorf("map reading: %w", err)
		}
		raw, err := snappy.Decode(nil, data)
		if err != nil {
			return fmt.Errorf("map reading %q: %w", name, err)
		}
		e.readings().Maps[name] = raw
	case fieldDuration:
		name, _, nanos, err := consumeReading(v)
		if err != nil {
			return fmt.Errorf("time reading: %w", err)
		}
		e.readings().Times[name] = time.Duration(nanos)
	}
	return nil
}

func (e *Event) readings() *observer.Readings {
	if e.Readings == nil {
		e.Readings = &observer.Readings{Maps: map[string][]byte{}, Times: map[string]time.Duration{}}
	}
	return e.Readings
}

func consumeReading(b []byte) (name string, data []byte, nanos uint64, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, 0, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == subName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", nil, 0, protowire.ParseError(n)
			}
			name, b = v, b[n:]
		case num == subData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", nil, 0, protowire.ParseError(n)
			}
			data, b = v, b[n:]
		case num == subNanos && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return "", nil, 0, protowire.ParseError(n)
			}
			nanos, b = v, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", nil, 0, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return name, data, nanos, nil
}
