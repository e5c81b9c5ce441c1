package service

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

var nameAdjectives = []string{
	"Amber", "Brave", "Calm", "Clever", "Cosmic", "Curious", "Daring", "Eager",
	"Gentle", "Golden", "Happy", "Humble", "Jolly", "Keen", "Kind", "Lively",
	"Lucky", "Mellow", "Mighty", "Misty", "Nimble", "Noble", "Patient", "Polite",
	"Quick", "Quiet", "Rapid", "Silver", "Sleepy", "Smart", "Snowy", "Sunny",
	"Swift", "Thoughtful", "Tidy", "Vivid", "Wise", "Witty", "Zesty", "Bold",
}

var nameAnimals = []string{
	"Badger", "Beaver", "Bison", "Crane", "Dolphin", "Eagle", "Falcon", "Ferret",
	"Finch", "Fox", "Gecko", "Heron", "Ibis", "Jaguar", "Koala", "Lemur",
	"Lynx", "Marten", "Moose", "Narwhal", "Ocelot", "Otter", "Owl", "Panda",
	"Panther", "Penguin", "Puffin", "Quail", "Rabbit", "Raven", "Robin", "Salmon",
	"Seal", "Sparrow", "Tiger", "Toucan", "Turtle", "Walrus", "Wombat", "Yak",
}

// NameGenerator 从形容词+动物组合中随机抽取匿名名称。
// 使用 crypto/rand，同一用户在不同会话中的名称互相独立。
type NameGenerator struct {
	rand io.Reader
}

func NewNameGenerator() *NameGenerator {
	return &NameGenerator{rand: rand.Reader}
}

func (g *NameGenerator) intn(n int) int {
	v, err := rand.Int(g.rand, big.NewInt(int64(n)))
	if err != nil {
		// crypto/rand 不可用时退化为 0，后续冲突检查仍然生效
		return 0
	}
	return int(v.Int64())
}

// Draw 返回一个不在 taken 中的候选名称；withSuffix 时追加两位数字以扩大空间。
// 返回的名称仍可能与并发写入的其他身份冲突，由存储层唯一索引兜底。
func (g *NameGenerator) Draw(taken map[string]bool, withSuffix bool) string {
	var candidate string
	for i := 0; i < 32; i++ {
		candidate = nameAdjectives[g.intn(len(nameAdjectives))] + " " + nameAnimals[g.intn(len(nameAnimals))]
		if withSuffix {
			candidate = fmt.Sprintf("%s %02d", candidate, g.intn(100))
		}
		if !taken[candidate] {
			return candidate
		}
	}
	return candidate
}

// PoolSize 不带后缀的名称数量
func PoolSize() int {
	return len(nameAdjectives) * len(nameAnimals)
}
