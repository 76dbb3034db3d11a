package sync

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/shinyes/yep_core/pkg/codec"
)

// Stream 是与一个对端之间已认证、已加密的双工字节流，保证单个流上的有序可靠传递。
// 实现了 io.Closer 的流在会话被取消时会被关闭，以解除阻塞的读写。
type Stream interface {
	io.Reader
	io.Writer
}

// frameHeaderSize 是帧长度前缀的字节数 (大端 uint32)。
const frameHeaderSize = 4

type msgKind uint8

const (
	kindHello msgKind = iota + 1
	kindDelta
	kindEnd
	kindAck
)

func (k msgKind) String() string {
	switch k {
	case kindHello:
		return "hello"
	case kindDelta:
		return "delta"
	case kindEnd:
		return "end"
	case kindAck:
		return "ack"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// objectContext 是一个对象的类型与编码后的因果上下文。
type objectContext struct {
	ID      string `msgpack:"i"`
	Type    uint8  `msgpack:"t"`
	Context []byte `msgpack:"c"`
}

// hello 在 ContextExchange 阶段交换。
type hello struct {
	Actor      string          `msgpack:"a"`
	MaxVersion uint64          `msgpack:"v"`
	Objects    []objectContext `msgpack:"o"`
}

// deltaFrame 携带一个对象的编码增量。
type deltaFrame struct {
	Object  string `msgpack:"o"`
	Full    bool   `msgpack:"f"`
	Payload []byte `msgpack:"p"`
}

// endFrame 标记本端增量发送完毕。
type endFrame struct {
	Count int `msgpack:"n"`
}

// ackFrame 在应用增量之后报告本端的上下文，供对端判定因果稳定性。
type ackFrame struct {
	Objects []objectContext `msgpack:"o"`
}

type envelope struct {
	Kind  msgKind     `msgpack:"k"`
	Hello *hello      `msgpack:"h,omitempty"`
	Delta *deltaFrame `msgpack:"d,omitempty"`
	End   *endFrame   `msgpack:"e,omitempty"`
	Ack   *ackFrame   `msgpack:"x,omitempty"`
}

// frameConn 在流上读写长度前缀的 msgpack 帧，并统计字节数。
type frameConn struct {
	s        Stream
	maxFrame int

	sent, received int
}

func (c *frameConn) write(env *envelope) error {
	body, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", env.Kind, err)
	}
	if len(body) > c.maxFrame {
		return fmt.Errorf("%w: %s frame of %d bytes (max %d)", ErrFrameTooLarge, env.Kind, len(body), c.maxFrame)
	}
	// 帧头与主体在一次 Write 中写出，消息型传输 (WebSocket) 上一帧即一条消息
	buf := make([]byte, frameHeaderSize, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	buf = append(buf, body...)
	if _, err := c.s.Write(buf); err != nil {
		return err
	}
	c.sent += len(buf)
	return nil
}

// read 读取下一帧。I/O 错误原样返回；帧内容错误包装 ErrProtocol 或 ErrFrameTooLarge。
func (c *frameConn) read() (*envelope, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(c.s, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if int64(n) > int64(c.maxFrame) {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, n, c.maxFrame)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.s, body); err != nil {
		return nil, err
	}
	c.received += frameHeaderSize + int(n)

	if err := codec.CheckBounds(body); err != nil {
		return nil, fmt.Errorf("%w: undecodable frame: %v", ErrProtocol, err)
	}
	env := new(envelope)
	dec := msgpack.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields(true)
	if err := dec.Decode(env); err != nil {
		return nil, fmt.Errorf("%w: undecodable frame: %v", ErrProtocol, err)
	}
	if err := env.check(); err != nil {
		return nil, err
	}
	return env, nil
}

func (e *envelope) check() error {
	var ok bool
	switch e.Kind {
	case kindHello:
		ok = e.Hello != nil
	case kindDelta:
		ok = e.Delta != nil
	case kindEnd:
		ok = e.End != nil
	case kindAck:
		ok = e.Ack != nil
	}
	if !ok {
		return fmt.Errorf("%w: %s frame without body", ErrProtocol, e.Kind)
	}
	return nil
}

// expect 读取下一帧并要求其类型为 kind。
func (c *frameConn) expect(kind msgKind) (*envelope, error) {
	env, err := c.read()
	if err != nil {
		return nil, err
	}
	if env.Kind != kind {
		return nil, fmt.Errorf("%w: expected %s frame, got %s", ErrProtocol, kind, env.Kind)
	}
	return env, nil
}
