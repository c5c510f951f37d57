package protocol

import "encoding/hex"

// 下行应答状态码
const (
	StatusNoUpgrade byte = 0x00
	StatusSuccess   byte = 0x01
)

// BuildResponse 根据上行帧类型构造下行应答
// mac 为去掉冒号的 12 位十六进制；不需要应答或 mac 非法时返回 false
func BuildResponse(mac string, tag FrameTag) ([]byte, bool) {
	if len(mac) != macLen*2 {
		return nil, false
	}
	macBytes, err := hex.DecodeString(mac)
	if err != nil {
		return nil, false
	}

	var header uint16
	var body []byte
	switch tag {
	case TagBootVersion:
		// 不升级，URL 长度为 0
		header, body = HeaderBootVersion, []byte{StatusNoUpgrade, 0x00}
	case TagHealthData:
		header, body = HeaderHealthData, []byte{StatusSuccess}
	case TagAlarmData:
		header, body = HeaderAlarmData, []byte{StatusSuccess}
	default:
		return nil, false
	}

	out := make([]byte, 0, 2+macLen+len(body)+1)
	out = append(out, byte(header>>8), byte(header))
	out = append(out, macBytes...)
	out = append(out, body...)
	out = append(out, TailByte)
	return out, true
}
