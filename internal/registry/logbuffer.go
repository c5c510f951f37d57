package registry

// DefaultLogCapacity 日志环形缓冲区默认容量
const DefaultLogCapacity = 10000

// LogBuffer 固定容量的环形缓冲区，满了淘汰最旧的一条（FIFO）
// 不是并发安全的，由 MemoryRegistry 的锁保护
type LogBuffer struct {
	entries []LogEntry
	head    int
	size    int
}

// NewLogBuffer 创建日志缓冲区
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &LogBuffer{entries: make([]LogEntry, capacity)}
}

// Append 追加一条日志
func (b *LogBuffer) Append(e LogEntry) {
	capacity := len(b.entries)
	if b.size == capacity {
		b.entries[b.head] = e
		b.head = (b.head + 1) % capacity
		return
	}
	b.entries[(b.head+b.size)%capacity] = e
	b.size++
}

// Entries 按时间顺序（旧→新）返回快照
func (b *LogBuffer) Entries() []LogEntry {
	out := make([]LogEntry, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.entries[(b.head+i)%len(b.entries)]
	}
	return out
}

func (b *LogBuffer) Len() int { return b.size }

func (b *LogBuffer) Cap() int { return len(b.entries) }
