// Code mirrors reading.proto. Kept minimal: proto package uses struct tags via reflection.
// source: reading.proto

package mirror

import (
	proto "github.com/golang/protobuf/proto"
)

type Reading struct {
	Node   string           `protobuf:"bytes,1,opt,name=node,proto3" json:"node,omitempty"`
	Kind   string           `protobuf:"bytes,2,opt,name=kind,proto3" json:"kind,omitempty"`
	Pin    int32            `protobuf:"varint,3,opt,name=pin,proto3" json:"pin,omitempty"`
	Time   int64            `protobuf:"varint,4,opt,name=time,proto3" json:"time,omitempty"`
	Values []*Reading_Value `protobuf:"bytes,5,rep,name=values,proto3" json:"values,omitempty"`
}

func (m *Reading) Reset()         { *m = Reading{} }
func (m *Reading) String() string { return proto.CompactTextString(m) }
func (*Reading) ProtoMessage()    {}

type Reading_Value struct {
	Type  string  `protobuf:"bytes,1,opt,name=type,proto3" json:"type,omitempty"`
	Value float64 `protobuf:"fixed64,2,opt,name=value,proto3" json:"value,omitempty"`
}

func (m *Reading_Value) Reset()         { *m = Reading_Value{} }
func (m *Reading_Value) String() string { return proto.CompactTextString(m) }
func (*Reading_Value) ProtoMessage()    {}

func init() {
	proto.RegisterType((*Reading)(nil), "airnode.mirror.Reading")
	proto.RegisterType((*Reading_Value)(nil), "airnode.mirror.Reading.Value")
}
