package manager

import (
	"bytes"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/basic"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/record"
	"github.com/zhukovaskychina/galleonfs/util"
)

// 归档压缩方法
const (
	ARCHIVE_CODEC_NONE uint8 = iota
	ARCHIVE_CODEC_SNAPPY
	ARCHIVE_CODEC_LZ4
)

// 归档帧头: magic(4) codec(1) txid(8) state(1) rawLen(4) payloadLen(4) digest(8)
const archiveHeaderSize = 30

var archiveMagic = []byte("GARC")

// ParseArchiveCodec 解析压缩方法名称
func ParseArchiveCodec(name string) (uint8, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return ARCHIVE_CODEC_NONE, nil
	case "snappy":
		return ARCHIVE_CODEC_SNAPPY, nil
	case "lz4":
		return ARCHIVE_CODEC_LZ4, nil
	}
	return 0, errors.Wrapf(basic.ErrInvalidParameter, "archive codec %q", name)
}

// ArchiveStats 归档统计
type ArchiveStats struct {
	Transactions uint64 // 归档事务数
	RawBytes     uint64 // 原始字节数
	StoredBytes  uint64 // 压缩后字节数
}

// ArchivedTransaction is one transaction read back from an archive file.
type ArchivedTransaction struct {
	ID      uint64
	State   JournalTxnState
	Records []*record.LogRecord
}

// FileArchiver appends finished journal transactions to a file, one frame
// per transaction, compressed with the configured codec.
type FileArchiver struct {
	mu         sync.Mutex
	path       string
	codec      uint8
	stats      ArchiveStats
	bufferPool sync.Pool
	openFile   func(path string) (io.WriteCloser, error)
}

func openArchiveFile(path string) (io.WriteCloser, error) {
	if err := util.EnsureParentDir(path); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
}

var _ Archiver = (*FileArchiver)(nil)

// NewFileArchiver 创建归档器
func NewFileArchiver(path string, codec uint8) (*FileArchiver, error) {
	if codec > ARCHIVE_CODEC_LZ4 {
		return nil, errors.Wrapf(basic.ErrInvalidParameter, "archive codec %d", codec)
	}
	return &FileArchiver{
		path:  path,
		codec: codec,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
		openFile: openArchiveFile,
	}, nil
}

// Stats 获取归档统计
func (fa *FileArchiver) Stats() ArchiveStats {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return fa.stats
}

// Archive 追加一个事务帧
func (fa *FileArchiver) Archive(tx *JournalTransaction) error {
	raw := make([]byte, 0)
	for _, rec := range tx.Records {
		raw = append(raw, record.Encode(rec)...)
	}

	payload, err := fa.compress(raw)
	if err != nil {
		return errors.Wrapf(err, "compress transaction %d", tx.ID)
	}

	frame := make([]byte, 0, archiveHeaderSize+len(payload))
	frame = util.WriteBytes(frame, archiveMagic)
	frame = util.WriteByte(frame, fa.codec)
	frame = util.WriteUB8(frame, tx.ID)
	frame = util.WriteByte(frame, byte(tx.State))
	frame = util.WriteUB4(frame, uint32(len(raw)))
	frame = util.WriteUB4(frame, uint32(len(payload)))
	frame = util.WriteUB8(frame, util.HashCode(raw))
	frame = util.WriteBytes(frame, payload)

	fa.mu.Lock()
	defer fa.mu.Unlock()

	f, err := fa.openFile(fa.path)
	if err != nil {
		return errors.Wrapf(basic.ErrIOError, "open archive %s: %v", fa.path, err)
	}
	if _, err := f.Write(frame); err != nil {
		f.Close()
		return errors.Wrapf(basic.ErrIOError, "append archive %s: %v", fa.path, err)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(basic.ErrIOError, "close archive %s: %v", fa.path, err)
	}

	fa.stats.Transactions++
	fa.stats.RawBytes += uint64(len(raw))
	fa.stats.StoredBytes += uint64(len(payload))
	return nil
}

func (fa *FileArchiver) compress(data []byte) ([]byte, error) {
	switch fa.codec {
	case ARCHIVE_CODEC_SNAPPY:
		return snappy.Encode(nil, data), nil
	case ARCHIVE_CODEC_LZ4:
		buf := fa.bufferPool.Get().(*bytes.Buffer)
		buf.Reset()
		defer fa.bufferPool.Put(buf)

		writer := lz4.NewWriter(buf)
		if _, err := writer.Write(data); err != nil {
			return nil, err
		}
		if err := writer.Close(); err != nil {
			return nil, err
		}
		result := make([]byte, buf.Len())
		copy(result, buf.Bytes())
		return result, nil
	}
	return data, nil
}

func decompressArchive(codec uint8, data []byte, rawLen int) ([]byte, error) {
	switch codec {
	case ARCHIVE_CODEC_NONE:
		return data, nil
	case ARCHIVE_CODEC_SNAPPY:
		return snappy.Decode(make([]byte, rawLen), data)
	case ARCHIVE_CODEC_LZ4:
		result := make([]byte, rawLen)
		if _, err := io.ReadFull(lz4.NewReader(bytes.NewReader(data)), result); err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, errors.Wrapf(basic.ErrArchiveCorrupt, "unknown codec %d", codec)
}

// ReadArchive 读取归档文件中的所有事务, 校验每帧的摘要
func ReadArchive(path string) ([]*ArchivedTransaction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(basic.ErrIOError, "read archive %s: %v", path, err)
	}

	var out []*ArchivedTransaction
	for cursor := 0; cursor < len(data); {
		if len(data)-cursor < archiveHeaderSize || !bytes.Equal(data[cursor:cursor+4], archiveMagic) {
			return out, errors.Wrapf(basic.ErrArchiveCorrupt, "bad frame header at offset %d", cursor)
		}
		start := cursor
		cursor += len(archiveMagic)

		var codec, state byte
		var txID, digest uint64
		var rawLen, payloadLen uint32
		cursor, codec = util.ReadByte(data, cursor)
		cursor, txID = util.ReadUB8(data, cursor)
		cursor, state = util.ReadByte(data, cursor)
		cursor, rawLen = util.ReadUB4(data, cursor)
		cursor, payloadLen = util.ReadUB4(data, cursor)
		cursor, digest = util.ReadUB8(data, cursor)
		if uint64(len(data)-cursor) < uint64(payloadLen) {
			return out, errors.Wrapf(basic.ErrArchiveCorrupt, "frame at offset %d truncated", start)
		}
		var payload []byte
		cursor, payload = util.ReadBytes(data, cursor, int(payloadLen))

		raw, err := decompressArchive(codec, payload, int(rawLen))
		if err != nil {
			return out, errors.Wrapf(basic.ErrArchiveCorrupt, "frame at offset %d: %v", start, err)
		}
		if len(raw) != int(rawLen) || util.HashCode(raw) != digest {
			return out, errors.Wrapf(basic.ErrArchiveCorrupt, "frame at offset %d digest mismatch", start)
		}

		records, err := decodeRecordRun(raw)
		if err != nil {
			return out, errors.Wrapf(basic.ErrArchiveCorrupt, "frame at offset %d: %v", start, err)
		}
		out = append(out, &ArchivedTransaction{ID: txID, State: JournalTxnState(state), Records: records})
	}
	return out, nil
}

// decodeRecordRun 解码首尾相连的一串记录
func decodeRecordRun(raw []byte) ([]*record.LogRecord, error) {
	var records []*record.LogRecord
	for len(raw) > 0 {
		n, err := record.PeekLen(raw)
		if err != nil {
			return nil, err
		}
		if n > len(raw) {
			return nil, errors.Wrapf(basic.ErrBadLength, "record of %d bytes, %d left", n, len(raw))
		}
		rec, err := record.Decode(raw[:n])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
		raw = raw[n:]
	}
	return records, nil
}
