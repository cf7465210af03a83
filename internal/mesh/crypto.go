package mesh

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// DefaultChannelKey is the well-known "AQ==" default PSK Meshtastic ships
// with LongFast/LongSlow/VLongSlow, matching
// rabarar-meshtool-go/public/radio/radio.go's DefaultKey.
var DefaultChannelKey = []byte{
	0xd4, 0xf1, 0xbb, 0x3a, 0x20, 0x29, 0x07, 0x59,
	0xf0, 0xbc, 0xff, 0xab, 0xcf, 0x4e, 0x69, 0x01,
}

// decryptPacket reverses Meshtastic's AES-CTR channel encryption. The
// 16-byte nonce is the packet id as a little-endian 64-bit value, then the
// little-endian 32-bit sender node number, then four zero bytes, per the
// Meshtastic wire protocol. No AES library appears anywhere in this
// project's example pack, so this uses crypto/aes + crypto/cipher directly
// rather than reimplementing AES-CTR by hand.
func decryptPacket(encrypted, key []byte, packetID, from uint32) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("mesh: build AES cipher: %w", err)
	}

	var nonce [16]byte
	binary.LittleEndian.PutUint32(nonce[0:4], packetID)
	binary.LittleEndian.PutUint32(nonce[8:12], from)

	out := make([]byte, len(encrypted))
	cipher.NewCTR(block, nonce[:]).XORKeyStream(out, encrypted)
	return out, nil
}

// ChannelHash XORs the channel name and PSK bytes, used to pick the channel
// index a given PSK corresponds to when multiple channels are configured.
// Grounded on rabarar-meshtool-go/public/radio/radio.go's ChannelHash.
func ChannelHash(channelName string, key []byte) (uint32, error) {
	if len(key) == 0 {
		return 0, fmt.Errorf("mesh: channel key cannot be empty")
	}
	h := xorHash([]byte(channelName))
	h ^= xorHash(key)
	return uint32(h), nil
}

func xorHash(p []byte) uint8 {
	var code uint8
	for _, b := range p {
		code ^= b
	}
	return code
}
