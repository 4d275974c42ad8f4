package telemetry

import (
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// 遥测记录字段名
const (
	FieldTimestamp     = "msg_time_stamp"
	FieldAnalogIn      = "analog_in_data"
	FieldAnalogInFloat = "analog_in_data_float"
	FieldDigital       = "digital_data"
	FieldDeviceStatus  = "device_status"
	FieldSerialNumber  = "device_sn"
	FieldPartNumber    = "device_pn"
	FieldFirmware      = "device_fw_rev"
	FieldAnalogOut     = "analog_out_data"
	FieldBattery       = "batt_status"
)

// 遥测记录 schema（proto3）：
//
//	message Telemetry {
//	  uint32 msg_time_stamp = 1;
//	  repeated sint32 analog_in_data = 2;
//	  repeated float analog_in_data_float = 3;
//	  bytes digital_data = 4;
//	  uint32 device_status = 5;
//	  uint64 device_sn = 6;
//	  string device_pn = 7;
//	  string device_fw_rev = 8;
//	  repeated float analog_out_data = 9;
//	  uint32 batt_status = 10;
//	}
func schemaFile() *descriptorpb.FileDescriptorProto {
	field := func(name string, num int32, typ descriptorpb.FieldDescriptorProto_Type, repeated bool) *descriptorpb.FieldDescriptorProto {
		label := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
		if repeated {
			label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED
		}
		return &descriptorpb.FieldDescriptorProto{
			Name:   proto.String(name),
			Number: proto.Int32(num),
			Label:  label.Enum(),
			Type:   typ.Enum(),
		}
	}
	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("daqlink/telemetry.proto"),
		Package: proto.String("daqlink.telemetry"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{{
			Name: proto.String("Telemetry"),
			Field: []*descriptorpb.FieldDescriptorProto{
				field(FieldTimestamp, 1, descriptorpb.FieldDescriptorProto_TYPE_UINT32, false),
				field(FieldAnalogIn, 2, descriptorpb.FieldDescriptorProto_TYPE_SINT32, true),
				field(FieldAnalogInFloat, 3, descriptorpb.FieldDescriptorProto_TYPE_FLOAT, true),
				field(FieldDigital, 4, descriptorpb.FieldDescriptorProto_TYPE_BYTES, false),
				field(FieldDeviceStatus, 5, descriptorpb.FieldDescriptorProto_TYPE_UINT32, false),
				field(FieldSerialNumber, 6, descriptorpb.FieldDescriptorProto_TYPE_UINT64, false),
				field(FieldPartNumber, 7, descriptorpb.FieldDescriptorProto_TYPE_STRING, false),
				field(FieldFirmware, 8, descriptorpb.FieldDescriptorProto_TYPE_STRING, false),
				field(FieldAnalogOut, 9, descriptorpb.FieldDescriptorProto_TYPE_FLOAT, true),
				field(FieldBattery, 10, descriptorpb.FieldDescriptorProto_TYPE_UINT32, false),
			},
		}},
	}
}

var (
	schemaOnce sync.Once
	schemaDesc protoreflect.MessageDescriptor
	schemaType protoreflect.MessageType
	schemaErr  error
)

// Descriptor 返回遥测记录的消息描述符
func Descriptor() (protoreflect.MessageDescriptor, error) {
	schemaOnce.Do(func() {
		fd, err := protodesc.NewFile(schemaFile(), new(protoregistry.Files))
		if err != nil {
			schemaErr = fmt.Errorf("build telemetry schema: %w", err)
			return
		}
		schemaDesc = fd.Messages().ByName("Telemetry")
		schemaType = dynamicpb.NewMessageType(schemaDesc)
	})
	return schemaDesc, schemaErr
}

// MessageType 返回遥测记录的动态消息类型
func MessageType() protoreflect.MessageType {
	if _, err := Descriptor(); err != nil {
		// 描述符为编译期常量，构建失败属于程序错误
		panic(err)
	}
	return schemaType
}
