package hlc

import (
	"sync"
	"time"
)

// Clock 代表混合逻辑时钟，用于 LWW 寄存器的写入时间戳。
// 时间戳被打包为 int64：
//   - 高 48 位：物理时间 (毫秒)，从 Unix Epoch 开始。
//   - 低 16 位：逻辑计数器。
//
// 同一 Clock 返回的时间戳严格单调递增，即使物理时钟回拨。
type Clock struct {
	mu     sync.Mutex
	latest int64
	source func() int64
}

const (
	logicalBits = 16
	logicalMask = 0xFFFF
)

// Option 定制时钟。
type Option func(*Clock)

// WithSource 替换物理时间来源 (毫秒)。测试中用于模拟时钟偏移。
func WithSource(source func() int64) Option {
	return func(c *Clock) {
		if source != nil {
			c.source = source
		}
	}
}

// New 创建一个新的 HLC 时钟。
func New(opts ...Option) *Clock {
	c := &Clock{
		source: func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pack 将物理时间与逻辑计数打包为时间戳。
func Pack(physical int64, logical uint16) int64 {
	return physical<<logicalBits | int64(logical)
}

func unpack(ts int64) (int64, int64) {
	return ts >> logicalBits, ts & logicalMask
}

// advance 在持锁状态下推进时钟。逻辑计数溢出时向物理时间借位。
func (c *Clock) advance(phys, logical int64) int64 {
	if logical > logicalMask {
		phys++
		logical = 0
	}
	c.latest = phys<<logicalBits | logical
	return c.latest
}

// Now 返回当前的 HLC 时间戳，并更新内部状态。
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.source()
	oldPhys, oldLogical := unpack(c.latest)

	if phys > oldPhys {
		return c.advance(phys, 0)
	}
	return c.advance(oldPhys, oldLogical+1)
}

// Update 根据观察到的远程时间戳推进本地时钟。
// 之后的 Now() 一定大于 remoteTs。
func (c *Clock) Update(remoteTs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.source()
	remotePhys, remoteLogical := unpack(remoteTs)
	oldPhys, oldLogical := unpack(c.latest)

	newPhys := max(oldPhys, remotePhys, phys)

	switch {
	case newPhys == oldPhys && newPhys == remotePhys:
		c.advance(newPhys, max(oldLogical, remoteLogical)+1)
	case newPhys == oldPhys:
		c.advance(newPhys, oldLogical+1)
	case newPhys == remotePhys:
		c.advance(newPhys, remoteLogical+1)
	default:
		c.advance(newPhys, 0)
	}
}

// Latest 返回最近一次发出或观察到的时间戳，不推进时钟。
func (c *Clock) Latest() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// Physical 返回时间戳的物理部分 (Unix Milli)。
func Physical(ts int64) int64 {
	return ts >> logicalBits
}

// Logical 返回时间戳的逻辑部分。
func Logical(ts int64) uint16 {
	return uint16(ts & logicalMask)
}

// Compare 比较两个 HLC 时间戳，返回 -1, 0, 1。
// 打包格式保证整数比较与 (物理, 逻辑) 字典序一致。
func Compare(a, b int64) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}
