package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"

	"github.com/ChuLiYu/labor-dispatch/pkg/types"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 涵蓋 Type + JobID + Seq + 工作內容；不包含 Timestamp。
func CalculateChecksum(eventType EventType, jobID types.JobID, seq uint64, payload []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(eventType))
	h.Write([]byte(jobID))
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	h.Write(payload)
	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event.Type, event.JobID, event.Seq, event.Job)
}
