package idgen

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ============================================================================
// 雪花算法 ID 生成器
// ============================================================================
//
// 订单号、流水号要求全局唯一且趋势递增，便于索引。
// 结构：41位毫秒时间戳 - 10位节点ID - 12位序列号
//
// ============================================================================

var (
	mu   sync.Mutex
	node *snowflake.Node
)

func init() {
	// 2024-01-01 00:00:00 UTC
	snowflake.Epoch = 1704067200000
}

// Init 初始化节点，多实例部署时每个实例使用不同的 nodeID（0-1023）
// 重复调用时保留第一次的节点
func Init(nodeID int64) error {
	mu.Lock()
	defer mu.Unlock()
	if node != nil {
		return nil
	}
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return err
	}
	node = n
	return nil
}

// NextID 生成下一个ID，未初始化时使用 1 号节点
func NextID() int64 {
	mu.Lock()
	n := node
	mu.Unlock()
	if n == nil {
		if err := Init(1); err != nil {
			panic(err)
		}
		mu.Lock()
		n = node
		mu.Unlock()
	}
	return n.Generate().Int64()
}

func withPrefix(prefix string) string {
	id := NextID()
	timestamp := time.Now().UTC().Format("20060102150405")
	return fmt.Sprintf("%s%s%08d", prefix, timestamp, id%100000000)
}

// GenerateOrderNo 生成本地订单号，同时作为支付渠道订单的 receipt
// 例如：TOP20240115143052_12345678
func GenerateOrderNo() string {
	return withPrefix("TOP")
}

// GenerateTransactionNo 生成流水号
func GenerateTransactionNo() string {
	return withPrefix("TXN")
}
