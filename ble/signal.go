package ble

import (
	"fmt"
	"math"

	"github.com/user/herald-blue/datatype"
)

// SignalCharacteristicDataType classifies a buffer written to the signal
// characteristic
type SignalCharacteristicDataType int

const (
	SignalCharacteristicDataRSSI SignalCharacteristicDataType = iota
	SignalCharacteristicDataPayload
	SignalCharacteristicDataPayloadSharing
	SignalCharacteristicDataImmediateSend
	SignalCharacteristicDataUnknown
)

func (t SignalCharacteristicDataType) String() string {
	switch t {
	case SignalCharacteristicDataRSSI:
		return "rssi"
	case SignalCharacteristicDataPayload:
		return "payload"
	case SignalCharacteristicDataPayloadSharing:
		return "payloadSharing"
	case SignalCharacteristicDataImmediateSend:
		return "immediateSend"
	default:
		return "unknown"
	}
}

// Leading action byte of each frame.
//
//	rssi:           [0x00][int16 rssi]
//	payload:        [0x01][uint16 n][n bytes]
//	payloadSharing: [0x02][int16 rssi][uint16 n][n bytes of {uint16 len, bytes}...]
//	immediateSend:  [0x03][uint16 n][n bytes]
const (
	signalActionWriteRSSI           byte = 0x00
	signalActionWritePayload        byte = 0x01
	signalActionWritePayloadSharing byte = 0x02
	signalActionImmediateSend       byte = 0x03
)

// PayloadSharingData is the content of a payload-sharing frame: payloads
// the sender has seen, and the RSSI it measured for the receiver
type PayloadSharingData struct {
	RSSI     datatype.RSSI
	Payloads []datatype.PayloadData
}

// DetectSignalCharacteristicData classifies data by its leading action byte.
// Empty or unrecognised buffers are Unknown.
func DetectSignalCharacteristicData(data datatype.Data) SignalCharacteristicDataType {
	action, ok := data.UInt8(0)
	if !ok {
		return SignalCharacteristicDataUnknown
	}
	switch action {
	case signalActionWriteRSSI:
		return SignalCharacteristicDataRSSI
	case signalActionWritePayload:
		return SignalCharacteristicDataPayload
	case signalActionWritePayloadSharing:
		return SignalCharacteristicDataPayloadSharing
	case signalActionImmediateSend:
		return SignalCharacteristicDataImmediateSend
	default:
		return SignalCharacteristicDataUnknown
	}
}

// SignalFrameLength returns the byte length of the complete frame at the
// start of data. It returns false when the frame is not yet complete or the
// action byte is unknown.
func SignalFrameLength(data datatype.Data) (int, bool) {
	var n int
	switch DetectSignalCharacteristicData(data) {
	case SignalCharacteristicDataRSSI:
		n = 3
	case SignalCharacteristicDataPayload, SignalCharacteristicDataImmediateSend:
		length, ok := data.UInt16(1)
		if !ok {
			return 0, false
		}
		n = 3 + int(length)
	case SignalCharacteristicDataPayloadSharing:
		length, ok := data.UInt16(3)
		if !ok {
			return 0, false
		}
		n = 5 + int(length)
	default:
		return 0, false
	}
	if data.Len() < n {
		return 0, false
	}
	return n, true
}

func clampInt16(v int) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// EncodeWriteRSSI builds an RSSI frame. Values outside int16 are clamped.
func EncodeWriteRSSI(rssi datatype.RSSI) datatype.Data {
	var data datatype.Data
	data.AppendUInt8(signalActionWriteRSSI)
	data.AppendInt16(clampInt16(int(rssi)))
	return data
}

// DecodeWriteRSSI decodes an RSSI frame
func DecodeWriteRSSI(data datatype.Data) (datatype.RSSI, bool) {
	if DetectSignalCharacteristicData(data) != SignalCharacteristicDataRSSI {
		return 0, false
	}
	rssi, ok := data.Int16(1)
	if !ok {
		return 0, false
	}
	return datatype.RSSI(rssi), true
}

// EncodeWritePayload builds a payload frame. Returns false for payloads
// longer than 65535 bytes.
func EncodeWritePayload(payload datatype.PayloadData) (datatype.Data, bool) {
	var data datatype.Data
	data.AppendUInt8(signalActionWritePayload)
	if !data.AppendData(payload.Data(), datatype.LengthUInt16) {
		return nil, false
	}
	return data, true
}

// DecodeWritePayload decodes a payload frame. It returns false until all
// of the announced payload bytes are present.
func DecodeWritePayload(data datatype.Data) (datatype.PayloadData, bool) {
	if DetectSignalCharacteristicData(data) != SignalCharacteristicDataPayload {
		return nil, false
	}
	payload, _, ok := data.DataAt(1, datatype.LengthUInt16)
	if !ok {
		return nil, false
	}
	return datatype.PayloadData(payload), true
}

// EncodePayloadList encodes payloads as [uint16 n][{uint16 len, bytes}...].
// This is the body of a payload-sharing frame and the value of the
// payload-sharing characteristic.
func EncodePayloadList(payloads []datatype.PayloadData) (datatype.Data, bool) {
	var body datatype.Data
	for _, p := range payloads {
		if !body.AppendData(p.Data(), datatype.LengthUInt16) {
			return nil, false
		}
	}
	var data datatype.Data
	if !data.AppendData(body, datatype.LengthUInt16) {
		return nil, false
	}
	return data, true
}

// DecodePayloadList decodes a payload list starting at index. end is the
// index just past the list.
func DecodePayloadList(data datatype.Data, index int) (payloads []datatype.PayloadData, end int, ok bool) {
	length, ok := data.UInt16(index)
	if !ok {
		return nil, 0, false
	}
	start := index + 2
	end = start + int(length)
	if data.Len() < end {
		return nil, 0, false
	}
	payloads = []datatype.PayloadData{}
	for offset := start; offset < end; {
		p, next, ok := data.DataAt(offset, datatype.LengthUInt16)
		if !ok || next > end {
			return nil, 0, false
		}
		payloads = append(payloads, datatype.PayloadData(p))
		offset = next
	}
	return payloads, end, true
}

// EncodeWritePayloadSharing builds a payload-sharing frame
func EncodeWritePayloadSharing(sharing PayloadSharingData) (datatype.Data, bool) {
	list, ok := EncodePayloadList(sharing.Payloads)
	if !ok {
		return nil, false
	}
	var data datatype.Data
	data.AppendUInt8(signalActionWritePayloadSharing)
	data.AppendInt16(clampInt16(int(sharing.RSSI)))
	data.Append(list)
	return data, true
}

// DecodeWritePayloadSharing decodes a payload-sharing frame. It returns
// false while incomplete, and also for a complete frame whose entries
// overrun the announced length.
func DecodeWritePayloadSharing(data datatype.Data) (PayloadSharingData, bool) {
	if DetectSignalCharacteristicData(data) != SignalCharacteristicDataPayloadSharing {
		return PayloadSharingData{}, false
	}
	rssi, ok := data.Int16(1)
	if !ok {
		return PayloadSharingData{}, false
	}
	payloads, _, ok := DecodePayloadList(data, 3)
	if !ok {
		return PayloadSharingData{}, false
	}
	return PayloadSharingData{RSSI: datatype.RSSI(rssi), Payloads: payloads}, true
}

// EncodeImmediateSend builds an immediate-send frame
func EncodeImmediateSend(payload datatype.Data) (datatype.Data, bool) {
	var data datatype.Data
	data.AppendUInt8(signalActionImmediateSend)
	if !data.AppendData(payload, datatype.LengthUInt16) {
		return nil, false
	}
	return data, true
}

// DecodeImmediateSend decodes an immediate-send frame
func DecodeImmediateSend(data datatype.Data) (datatype.Data, bool) {
	if DetectSignalCharacteristicData(data) != SignalCharacteristicDataImmediateSend {
		return nil, false
	}
	payload, _, ok := data.DataAt(1, datatype.LengthUInt16)
	if !ok {
		return nil, false
	}
	return payload, true
}

func (s PayloadSharingData) String() string {
	return fmt.Sprintf("sharing(rssi=%d,payloads=%d)", int(s.RSSI), len(s.Payloads))
}
