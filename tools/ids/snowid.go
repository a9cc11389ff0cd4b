package ids

import (
	"strconv"
	"sync"
	"time"
)

// server_msg_id 发号：41bit 毫秒时间戳 | 10bit 节点 | 12bit 序列。
// 跨频道粗略时间有序即可，频道内的严格顺序由 pts 承担。
const (
	nodeBits = 10
	seqBits  = 12
	nodeMax  = (1 << nodeBits) - 1
	seqMask  = (1 << seqBits) - 1
	tsMask   = (1 << 41) - 1
)

// 纪元 2020-01-01，41bit 毫秒够用到 2089 年
var epochMS = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

type msgIDSource struct {
	mu     sync.Mutex
	node   int64
	seq    int64
	lastMS int64
}

var gen = &msgIDSource{node: 1}

// SetNodeID 每个部署节点配不同 id（0~1023），main() 初始化时调用；
// 越界回落到 1
func SetNodeID(nodeID int64) {
	if nodeID < 0 || nodeID > nodeMax {
		nodeID = 1
	}
	gen.mu.Lock()
	gen.node = nodeID
	gen.mu.Unlock()
}

// Generate 产出一个新 server_msg_id
func Generate() int64 {
	return gen.next()
}

func GenerateString() string {
	return strconv.FormatInt(Generate(), 10)
}

func (g *msgIDSource) next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	// 时钟回拨：原地等到追平，提交路径宁可慢也不能重号
	for now < g.lastMS {
		time.Sleep(time.Duration(g.lastMS-now) * time.Millisecond)
		now = time.Now().UnixMilli()
	}
	if now == g.lastMS {
		g.seq = (g.seq + 1) & seqMask
		if g.seq == 0 {
			// 同毫秒序列用尽，等下一毫秒
			for now <= g.lastMS {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		g.seq = 0
	}
	g.lastMS = now

	ts := (now - epochMS) & tsMask
	return (ts << (nodeBits + seqBits)) | (g.node << seqBits) | g.seq
}
