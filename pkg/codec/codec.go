// Package codec 定义 CRDT 状态的规范化、带版本的二进制编码。
//
// 每个编码结果的格式为：
//
//	类型标签 (1 字节) | 模式版本 (uvarint) | 主体
//
// 版本 2 (当前) 的主体是规范化的 msgpack；版本 1 (上一版本) 的主体是同一结构的 JSON。
// 同一状态在同一版本下总是编码为相同的字节，可用于按内容去重。
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/shinyes/yep_core/pkg/causal"
	"github.com/shinyes/yep_core/pkg/crdt"
)

const (
	// VersionJSON 是上一版本的模式，为滚动升级保留解码能力。
	VersionJSON uint64 = 1
	// VersionMsgpack 是当前模式。
	VersionMsgpack uint64 = 2

	// CurrentVersion 是 Encode 使用的版本。
	CurrentVersion = VersionMsgpack
	// MinVersion 是本构建能解码的最低版本。
	MinVersion = VersionJSON
)

var (
	ErrMalformed          = errors.New("malformed payload")
	ErrUnsupportedVersion = errors.New("unsupported schema version")
)

// Kind 区分解码失败的原因。
type Kind int

const (
	Malformed Kind = iota + 1
	UnsupportedVersion
)

func (k Kind) String() string {
	switch k {
	case Malformed:
		return "Malformed"
	case UnsupportedVersion:
		return "UnsupportedVersion"
	default:
		return "Unknown"
	}
}

// DecodeError 描述一次解码失败。它同时匹配对应的哨兵错误与底层原因。
type DecodeError struct {
	Kind    Kind
	Version uint64
	Err     error
}

func (e *DecodeError) Error() string {
	switch e.Kind {
	case UnsupportedVersion:
		return fmt.Sprintf("decode: %v %d (supported %d..%d)", ErrUnsupportedVersion, e.Version, MinVersion, CurrentVersion)
	default:
		if e.Err == nil {
			return fmt.Sprintf("decode: %v", ErrMalformed)
		}
		return fmt.Sprintf("decode: %v: %v", ErrMalformed, e.Err)
	}
}

func (e *DecodeError) Unwrap() []error {
	sentinel := ErrMalformed
	if e.Kind == UnsupportedVersion {
		sentinel = ErrUnsupportedVersion
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

func malformed(format string, args ...any) error {
	return &DecodeError{Kind: Malformed, Err: fmt.Errorf(format, args...)}
}

// Encode 以当前版本编码状态。
func Encode(s crdt.State) ([]byte, error) {
	return EncodeVersion(s, CurrentVersion)
}

// EncodeVersion 以指定版本编码状态，用于与尚未升级的对端通信。
func EncodeVersion(s crdt.State, version uint64) ([]byte, error) {
	if s == nil {
		return nil, errors.New("encode: state is nil")
	}
	body, err := marshal(crdt.Export(s), version)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 1+binary.MaxVarintLen64+len(body))
	buf = append(buf, byte(s.Type()))
	buf = binary.AppendUvarint(buf, version)
	return append(buf, body...), nil
}

// Decode 解码 Encode 或 EncodeVersion 的输出。
// 版本超出本构建支持的范围时返回 UnsupportedVersion，其他结构错误返回 Malformed。
func Decode(b []byte) (crdt.State, error) {
	if len(b) == 0 {
		return nil, malformed("empty payload")
	}
	t := crdt.Type(b[0])
	if !t.Valid() {
		return nil, malformed("unknown type tag 0x%02x", b[0])
	}
	version, body, err := readVersion(b[1:])
	if err != nil {
		return nil, err
	}

	var ws crdt.WireState
	if err := unmarshal(body, version, &ws); err != nil {
		return nil, err
	}
	s, err := crdt.Import(t, &ws)
	if err != nil {
		return nil, &DecodeError{Kind: Malformed, Version: version, Err: err}
	}
	return s, nil
}

// PeekType 返回编码结果的类型标签而不解码主体。
func PeekType(b []byte) (crdt.Type, error) {
	if len(b) == 0 {
		return 0, malformed("empty payload")
	}
	t := crdt.Type(b[0])
	if !t.Valid() {
		return 0, malformed("unknown type tag 0x%02x", b[0])
	}
	return t, nil
}

// EncodeContext 以当前版本编码因果上下文：模式版本 (uvarint) | 主体。
func EncodeContext(ctx *causal.Context) ([]byte, error) {
	return EncodeContextVersion(ctx, CurrentVersion)
}

// EncodeContextVersion 以指定版本编码因果上下文。
func EncodeContextVersion(ctx *causal.Context, version uint64) ([]byte, error) {
	if ctx == nil {
		ctx = causal.NewContext()
	}
	body, err := marshal(crdt.ExportContext(ctx), version)
	if err != nil {
		return nil, err
	}
	buf := binary.AppendUvarint(make([]byte, 0, binary.MaxVarintLen64+len(body)), version)
	return append(buf, body...), nil
}

// DecodeContext 解码 EncodeContext 的输出。
func DecodeContext(b []byte) (*causal.Context, error) {
	version, body, err := readVersion(b)
	if err != nil {
		return nil, err
	}
	var wc crdt.WireContext
	if err := unmarshal(body, version, &wc); err != nil {
		return nil, err
	}
	ctx, err := crdt.ImportContext(&wc)
	if err != nil {
		return nil, &DecodeError{Kind: Malformed, Version: version, Err: err}
	}
	return ctx, nil
}

func readVersion(b []byte) (uint64, []byte, error) {
	version, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, nil, malformed("invalid schema version varint")
	}
	if version < MinVersion || version > CurrentVersion {
		return version, nil, &DecodeError{Kind: UnsupportedVersion, Version: version}
	}
	return version, b[n:], nil
}

func marshal(v any, version uint64) ([]byte, error) {
	switch version {
	case VersionMsgpack:
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		enc.UseCompactInts(true)
		if err := enc.Encode(v); err != nil {
			return nil, fmt.Errorf("encode msgpack body: %w", err)
		}
		return buf.Bytes(), nil
	case VersionJSON:
		body, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode json body: %w", err)
		}
		return body, nil
	default:
		return nil, fmt.Errorf("encode: %w %d", ErrUnsupportedVersion, version)
	}
}

func unmarshal(body []byte, version uint64, v any) error {
	switch version {
	case VersionMsgpack:
		if err := CheckBounds(body); err != nil {
			return &DecodeError{Kind: Malformed, Version: version, Err: err}
		}
		r := bytes.NewReader(body)
		dec := msgpack.NewDecoder(r)
		dec.DisallowUnknownFields(true)
		if err := dec.Decode(v); err != nil {
			return &DecodeError{Kind: Malformed, Version: version, Err: err}
		}
		if r.Len() != 0 {
			return &DecodeError{Kind: Malformed, Version: version, Err: fmt.Errorf("%d trailing bytes", r.Len())}
		}
	case VersionJSON:
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil {
			return &DecodeError{Kind: Malformed, Version: version, Err: err}
		}
		if _, err := dec.Token(); err != io.EOF {
			return &DecodeError{Kind: Malformed, Version: version, Err: errors.New("trailing data after json body")}
		}
	}
	return nil
}
