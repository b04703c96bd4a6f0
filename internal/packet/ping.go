package packet

import "github.com/life-stream-dev/lsmq/internal/mqtt"

type Pingreq struct{}

func (*Pingreq) Type() mqtt.PacketType { return mqtt.PINGREQ }
func (*Pingreq) Encode() []byte        { return []byte{0xC0, 0x00} }

type Pingresp struct{}

func (*Pingresp) Type() mqtt.PacketType { return mqtt.PINGRESP }
func (*Pingresp) Encode() []byte        { return []byte{0xD0, 0x00} }

func NewPingRespPacket() *Pingresp {
	return &Pingresp{}
}
