package telemetry

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Sample 遥测记录的类型化视图
type Sample struct {
	Timestamp     uint32
	AnalogIn      []int32
	AnalogInFloat []float32
	Digital       []byte
	DeviceStatus  uint32
	SerialNumber  uint64
	PartNumber    string
	Firmware      string
	AnalogOut     []float32
	Battery       uint32
}

// Record 转换为协议记录
func (s *Sample) Record() proto.Message {
	m := MessageType().New()
	fields := m.Descriptor().Fields()
	set := func(name string, v protoreflect.Value) {
		m.Set(fields.ByName(protoreflect.Name(name)), v)
	}

	set(FieldTimestamp, protoreflect.ValueOfUint32(s.Timestamp))
	set(FieldDeviceStatus, protoreflect.ValueOfUint32(s.DeviceStatus))
	set(FieldSerialNumber, protoreflect.ValueOfUint64(s.SerialNumber))
	set(FieldPartNumber, protoreflect.ValueOfString(s.PartNumber))
	set(FieldFirmware, protoreflect.ValueOfString(s.Firmware))
	set(FieldBattery, protoreflect.ValueOfUint32(s.Battery))
	if len(s.Digital) > 0 {
		set(FieldDigital, protoreflect.ValueOfBytes(append([]byte(nil), s.Digital...)))
	}
	if len(s.AnalogIn) > 0 {
		l := m.Mutable(fields.ByName(FieldAnalogIn)).List()
		for _, v := range s.AnalogIn {
			l.Append(protoreflect.ValueOfInt32(v))
		}
	}
	appendFloats(m, fields.ByName(FieldAnalogInFloat), s.AnalogInFloat)
	appendFloats(m, fields.ByName(FieldAnalogOut), s.AnalogOut)
	return m.Interface()
}

func appendFloats(m protoreflect.Message, fd protoreflect.FieldDescriptor, vs []float32) {
	if len(vs) == 0 {
		return
	}
	l := m.Mutable(fd).List()
	for _, v := range vs {
		l.Append(protoreflect.ValueOfFloat32(v))
	}
}

// FromRecord 从协议记录还原类型化视图
func FromRecord(rec proto.Message) (*Sample, error) {
	if rec == nil {
		return nil, fmt.Errorf("nil record")
	}
	md, err := Descriptor()
	if err != nil {
		return nil, err
	}
	m := rec.ProtoReflect()
	if m.Descriptor().FullName() != md.FullName() {
		return nil, fmt.Errorf("unexpected record type %s", m.Descriptor().FullName())
	}
	fields := m.Descriptor().Fields()
	get := func(name string) protoreflect.Value {
		return m.Get(fields.ByName(protoreflect.Name(name)))
	}

	s := &Sample{
		Timestamp:    uint32(get(FieldTimestamp).Uint()),
		DeviceStatus: uint32(get(FieldDeviceStatus).Uint()),
		SerialNumber: get(FieldSerialNumber).Uint(),
		PartNumber:   get(FieldPartNumber).String(),
		Firmware:     get(FieldFirmware).String(),
		Battery:      uint32(get(FieldBattery).Uint()),
	}
	if b := get(FieldDigital).Bytes(); len(b) > 0 {
		s.Digital = append([]byte(nil), b...)
	}
	if l := get(FieldAnalogIn).List(); l.Len() > 0 {
		s.AnalogIn = make([]int32, l.Len())
		for i := range s.AnalogIn {
			s.AnalogIn[i] = int32(l.Get(i).Int())
		}
	}
	s.AnalogInFloat = floats(get(FieldAnalogInFloat).List())
	s.AnalogOut = floats(get(FieldAnalogOut).List())
	return s, nil
}

func floats(l protoreflect.List) []float32 {
	if l.Len() == 0 {
		return nil
	}
	out := make([]float32, l.Len())
	for i := range out {
		out[i] = float32(l.Get(i).Float())
	}
	return out
}
