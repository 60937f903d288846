package test

import (
	"bytes"
	"encoding/json"
	"testing"

	"CallScreenGuard/internal/protocol"
)

// FuzzFrameDecode 模糊测试二进制帧解码
func FuzzFrameDecode(f *testing.F) {
	// 添加种子数据
	sig := protocol.Signal{
		CallID:     "CA-fuzz-001",
		Seq:        1,
		Kind:       protocol.SignalTranscriptFragment,
		Text:       "mom it's me, I need money",
		Confidence: 0,
	}
	if seed, err := protocol.EncodeMessage(protocol.OpSignal, &sig); err == nil {
		f.Add(seed)
	}
	f.Add(protocol.EncodeFrame(protocol.OpHeartbeat, nil))

	// 边界情况种子
	f.Add([]byte{})                                     // 空数据
	f.Add([]byte{0x07, 0xD1})                           // 只有半个头
	f.Add([]byte{0x07, 0xD1, 0xFF, 0xFF, 0xFF, 0xFF})   // 声明超大长度
	f.Add([]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00})   // 零操作码零长度
	f.Add([]byte{0x27, 0x0F, 0x00, 0x00, 0x00, 0x01, 0x7B}) // 未知操作码

	f.Fuzz(func(t *testing.T, data []byte) {
		// 解码不应该panic，但可以返回错误
		opcode, body, err := protocol.DecodeFrame(data)
		if err != nil {
			return
		}

		// 解码成功则重新编码必须得到原始字节
		reencoded := protocol.EncodeFrame(opcode, body)
		if !bytes.Equal(reencoded, data) {
			t.Errorf("re-encode mismatch: got %d bytes, want %d bytes", len(reencoded), len(data))
		}
	})
}

// FuzzFrameDecoderStream 模糊测试流式解码器的任意分段输入
func FuzzFrameDecoderStream(f *testing.F) {
	frame, err := protocol.EncodeMessage(protocol.OpDirective,
		protocol.Speak("CA-fuzz-002", "What colour jelly beans does David like?"))
	if err == nil {
		f.Add(frame, 3)
	}
	f.Add([]byte{0x07, 0xD1, 0x00, 0x00, 0x00, 0x00}, 1)
	f.Add([]byte{}, 1)

	f.Fuzz(func(t *testing.T, data []byte, chunkSize int) {
		if chunkSize <= 0 {
			chunkSize = 1
		}

		fd := protocol.NewFrameDecoder()
		for start := 0; start < len(data); start += chunkSize {
			end := start + chunkSize
			if end > len(data) {
				end = len(data)
			}
			fd.Feed(data[start:end])

			// 任意分段下Next不应该panic；超限帧返回错误后停止
			if _, err := fd.Next(); err != nil {
				return
			}
		}
	})
}

// FuzzSignalUnmarshal 模糊测试信令JSON反序列化
func FuzzSignalUnmarshal(f *testing.F) {
	seeds := []protocol.Signal{
		{CallID: "CA-1", Kind: protocol.SignalCallRinging},
		{CallID: "CA-2", Kind: protocol.SignalThreatVerdict, Confidence: 92,
			Reason: "urgency plus payment request", ClaimedIdentity: "mom"},
		{CallID: "CA-3", Kind: protocol.SignalAnswerSubmitted, Text: "Muizenberg beach"},
	}
	for _, sig := range seeds {
		if data, err := json.Marshal(sig); err == nil {
			f.Add(data)
		}
	}
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"kind":"NOT_A_SIGNAL"}`))
	f.Add([]byte(`{"confidence":-999}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var sig protocol.Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			return
		}

		// 反序列化成功后，校验与再序列化都不应该panic
		_ = sig.Validate()
		if _, err := json.Marshal(sig); err != nil {
			t.Errorf("re-marshal failed after successful unmarshal: %v", err)
		}
	})
}
