package mesh

import (
	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"

	"github.com/mmrelay/mmrelay/pkg/types"
)

// nodeNumToID renders a numeric node number as the stable "!hhhhhhhh" form
// used throughout the identity store and room-mapping keys.
func nodeNumToID(num uint32) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 9)
	buf[0] = '!'
	for i := 7; i >= 0; i-- {
		buf[1+i] = hexDigits[num&0xf]
		num >>= 4
	}
	return string(buf)
}

// classify turns a raw MeshPacket (already decrypted into Data by
// tryDecode) into the tagged types.Packet the rest of the system consumes.
// Grounded on meshtastic_utils.py's on_meshtastic_message classification
// (text vs reaction vs reply vs detection-sensor) and rabarar-meshtool-go's
// public/radio.TryDecode for the decrypt boundary.
func classify(pkt *meshtastic.MeshPacket, data *meshtastic.Data, ourNodeNum uint32) types.Packet {
	p := types.Packet{
		From:    nodeNumToID(pkt.GetFrom()),
		FromID:  pkt.GetFrom(),
		To:      pkt.GetTo(),
		MeshID:  pkt.GetId(),
		Channel: -1,
		Portnum: data.GetPortnum().String(),
	}
	p.Direct = p.To != types.BroadcastNum && p.To == ourNodeNum

	if ch := pkt.GetChannel(); ch != 0 {
		p.Channel = int(ch)
	} else if data.GetPortnum() == meshtastic.PortNum_TEXT_MESSAGE_APP ||
		data.GetPortnum() == meshtastic.PortNum_DETECTION_SENSOR_APP {
		p.Channel = 0
	}

	p.ReplyID = data.GetReplyId()
	p.Emoji = data.GetEmoji()
	p.Payload = data.GetPayload()

	switch data.GetPortnum() {
	case meshtastic.PortNum_TEXT_MESSAGE_APP:
		p.Text = string(data.GetPayload())
		switch {
		case p.ReplyID != 0 && p.Emoji == 1:
			p.Kind = types.KindReaction
		case p.ReplyID != 0:
			p.Kind = types.KindReply
		default:
			p.Kind = types.KindText
		}
	case meshtastic.PortNum_DETECTION_SENSOR_APP:
		p.Text = string(data.GetPayload())
		p.Kind = types.KindDetectionSensor
	case meshtastic.PortNum_TELEMETRY_APP:
		p.Kind = types.KindTelemetry
	case meshtastic.PortNum_NODEINFO_APP:
		p.Kind = types.KindNodeInfo
	default:
		p.Kind = types.KindOther
	}

	return p
}

// tryDecode mirrors rabarar-meshtool-go's public/radio.TryDecode: a packet
// arrives either already decoded or AES-encrypted with the channel PSK.
// Decryption itself (the XOR/AES-CTR step) lives in crypto.go.
func tryDecode(pkt *meshtastic.MeshPacket, key []byte) (*meshtastic.Data, error) {
	switch v := pkt.GetPayloadVariant().(type) {
	case *meshtastic.MeshPacket_Decoded:
		return v.Decoded, nil
	case *meshtastic.MeshPacket_Encrypted:
		plain, err := decryptPacket(v.Encrypted, key, pkt.GetId(), pkt.GetFrom())
		if err != nil {
			return nil, ErrDecrypt
		}
		var data meshtastic.Data
		if err := proto.Unmarshal(plain, &data); err != nil {
			return nil, ErrDecrypt
		}
		return &data, nil
	default:
		return nil, ErrUnknownPayloadType
	}
}

// nodeInfoIdentity extracts the long/short name pair from a NodeInfo
// broadcast, if present.
func nodeInfoIdentity(info *meshtastic.NodeInfo) (id string, identity types.NodeIdentity, ok bool) {
	user := info.GetUser()
	if user == nil {
		return "", types.NodeIdentity{}, false
	}
	id = user.GetId()
	if id == "" {
		id = nodeNumToID(info.GetNum())
	}
	return id, types.NodeIdentity{LongName: user.GetLongName(), ShortName: user.GetShortName()}, true
}
